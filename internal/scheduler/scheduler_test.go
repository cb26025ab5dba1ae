package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hendraet/labshare/internal/clock"
	"github.com/hendraet/labshare/internal/db"
	"github.com/hendraet/labshare/internal/events"
	"github.com/hendraet/labshare/internal/metrics"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/store"
)

var t0 = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

type guard struct {
	denied map[string]bool // "user/device"
}

func (g *guard) CanUse(_ context.Context, userID, deviceName string) bool {
	return !g.denied[userID+"/"+deviceName]
}

type notification struct {
	kind, user, gpu string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) add(kind, user, gpu string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{kind, user, gpu})
}

func (n *recordingNotifier) NotifyQueued(_ context.Context, userID string, gpu models.GPU) {
	n.add("queued", userID, gpu.UUID)
}

func (n *recordingNotifier) NotifyReleased(_ context.Context, userID string, gpu models.GPU) {
	n.add("released", userID, gpu.UUID)
}

func (n *recordingNotifier) NotifyReminder(_ context.Context, userID string, r models.Reservation) {
	n.add("reminder", userID, r.GPUUUID)
}

func (n *recordingNotifier) take() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.sent
	n.sent = nil
	return out
}

type env struct {
	ctx      context.Context
	db       *db.DB
	store    *store.Store
	sched    *Scheduler
	clock    *clock.Fake
	guard    *guard
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	database, err := db.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	st := store.New(database)
	em := events.New(st)
	t.Cleanup(em.Close)

	e := &env{
		ctx:      context.Background(),
		db:       database,
		store:    st,
		clock:    clock.NewFake(t0),
		guard:    &guard{denied: map[string]bool{}},
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	e.sched = New(st, e.guard, e.notifier, em, e.metrics, e.clock)
	return e
}

func (e *env) seedUser(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.store.PutUser(e.ctx, models.User{ID: id, Name: id, TokenHash: id + "-token"}, nil))
	}
}

// seedDevice registers a device with gpuCount GPUs named <device>-gpu-<i>.
func (e *env) seedDevice(t *testing.T, name string, gpuCount int) []string {
	t.Helper()
	var gpus []models.GPU
	var ids []string
	for i := 0; i < gpuCount; i++ {
		id := fmt.Sprintf("%s-gpu-%d", name, i)
		ids = append(ids, id)
		gpus = append(gpus, models.GPU{UUID: id, Idx: i, ModelName: "RTX 3090", TotalMemoryMB: 24576})
	}
	require.NoError(t, e.store.ReportTelemetry(e.ctx, models.Device{Name: name, Addr: "10.0.0.1"}, gpus, e.clock.Now()))
	return ids
}

func (e *env) queue(t *testing.T, gpuUUID string) models.GPUQueue {
	t.Helper()
	q, err := e.store.Queue(e.ctx, gpuUUID)
	require.NoError(t, err)
	return q
}

func (e *env) reserve(t *testing.T, userID, gpuUUID string) *models.Reservation {
	t.Helper()
	e.clock.Advance(time.Second)
	r, err := e.sched.Reserve(e.ctx, userID, gpuUUID)
	require.NoError(t, err)
	return r
}

func users(q models.GPUQueue) []string {
	out := []string{}
	for _, r := range q {
		out = append(out, r.UserID)
	}
	return out
}

// checkQueueInvariant asserts only the earliest reservation of a GPU is started.
func checkQueueInvariant(t *testing.T, q models.GPUQueue) {
	t.Helper()
	for i, r := range q {
		if i == 0 {
			assert.True(t, r.IsStarted(), "current reservation %s must be started", r.ID)
			continue
		}
		assert.False(t, r.IsStarted(), "waiter %s must not be started", r.ID)
		assert.Nil(t, r.UsageExpires)
		assert.False(t, r.ExtensionReminderSent)
	}
}

func TestReserve(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "bob")
	gpus := e.seedDevice(t, "dev-1", 1)

	t.Run("empty queue starts usage", func(t *testing.T) {
		r := e.reserve(t, "alice", gpus[0])
		require.NotNil(t, r.UsageStarted)
		assert.Equal(t, e.clock.Now(), *r.UsageStarted)
		assert.Equal(t, e.clock.Now().Add(8*24*time.Hour), *r.UsageExpires)
		assert.False(t, r.NextAvailableSpot)
	})

	t.Run("busy queue leaves reservation queued", func(t *testing.T) {
		r := e.reserve(t, "bob", gpus[0])
		assert.Nil(t, r.UsageStarted)
		assert.Nil(t, r.UsageExpires)

		cur, err := e.sched.CurrentReservation(e.ctx, gpus[0])
		require.NoError(t, err)
		assert.Equal(t, "alice", cur.UserID)

		next, err := e.sched.NextReservations(e.ctx, gpus[0])
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "bob", next[0].UserID)
		checkQueueInvariant(t, e.queue(t, gpus[0]))
	})

	t.Run("notifies every reservation", func(t *testing.T) {
		assert.Equal(t, []notification{
			{"queued", "alice", gpus[0]},
			{"queued", "bob", gpus[0]},
		}, e.notifier.take())
		assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ReservationsCreated.WithLabelValues(metrics.ModeDirect)))
	})

	t.Run("unknown gpu", func(t *testing.T) {
		_, err := e.sched.Reserve(e.ctx, "alice", "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("no device access", func(t *testing.T) {
		e.guard.denied["bob/dev-1"] = true
		defer delete(e.guard.denied, "bob/dev-1")

		_, err := e.sched.Reserve(e.ctx, "bob", gpus[0])
		assert.ErrorIs(t, err, models.ErrForbidden)
		assert.Len(t, e.queue(t, gpus[0]), 2)
	})
}

func TestReserveNextAvailable(t *testing.T) {
	t.Run("free gpu is granted immediately", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice")
		gpus := e.seedDevice(t, "dev-1", 2)

		created, err := e.sched.ReserveNextAvailable(e.ctx, "alice", "dev-1")
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, gpus[0], created[0].GPUUUID)
		assert.True(t, created[0].IsStarted())

		assert.Len(t, e.queue(t, gpus[0]), 1)
		assert.Empty(t, e.queue(t, gpus[1]))
		assert.Equal(t, []notification{{"released", "alice", gpus[0]}}, e.notifier.take())
	})

	t.Run("first free gpu in device order", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		gpus := e.seedDevice(t, "dev-1", 3)
		e.reserve(t, "bob", gpus[0])

		created, err := e.sched.ReserveNextAvailable(e.ctx, "alice", "dev-1")
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, gpus[1], created[0].GPUUUID)
		assert.Empty(t, e.queue(t, gpus[2]))
	})

	t.Run("busy device gets placeholders on every gpu", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob", "carol")
		gpus := e.seedDevice(t, "dev-1", 2)
		e.reserve(t, "bob", gpus[0])
		e.reserve(t, "carol", gpus[1])
		e.notifier.take()

		created, err := e.sched.ReserveNextAvailable(e.ctx, "alice", "dev-1")
		require.NoError(t, err)
		require.Len(t, created, 2)
		for i, r := range created {
			assert.Equal(t, gpus[i], r.GPUUUID)
			assert.True(t, r.NextAvailableSpot)
			assert.False(t, r.IsStarted())
		}
		for _, g := range gpus {
			q := e.queue(t, g)
			assert.Len(t, q, 2)
			checkQueueInvariant(t, q)
		}
		assert.Equal(t, []notification{
			{"queued", "alice", gpus[0]},
			{"queued", "alice", gpus[1]},
		}, e.notifier.take())
		assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ReservationsCreated.WithLabelValues(metrics.ModePlaceholder)))
	})

	t.Run("device errors", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice")
		e.seedDevice(t, "empty", 0)
		e.seedDevice(t, "dev-1", 1)

		_, err := e.sched.ReserveNextAvailable(e.ctx, "alice", "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = e.sched.ReserveNextAvailable(e.ctx, "alice", "empty")
		assert.ErrorIs(t, err, models.ErrNotFound)

		e.guard.denied["alice/dev-1"] = true
		_, err = e.sched.ReserveNextAvailable(e.ctx, "alice", "dev-1")
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("failed placeholder insert leaves no placeholders", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob", "carol", "dave")
		gpus := e.seedDevice(t, "dev-1", 3)
		e.reserve(t, "bob", gpus[0])
		e.reserve(t, "carol", gpus[1])
		e.reserve(t, "dave", gpus[2])
		e.notifier.take()

		_, err := e.db.Exec(fmt.Sprintf(`
			CREATE TRIGGER fail_placeholder BEFORE INSERT ON reservations
			WHEN NEW.gpu_uuid = '%s' AND NEW.user_id = 'alice'
			BEGIN SELECT RAISE(ABORT, 'disk full'); END`, gpus[1]))
		require.NoError(t, err)

		_, err = e.sched.ReserveNextAvailable(e.ctx, "alice", "dev-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")

		for _, g := range gpus {
			q := e.queue(t, g)
			assert.Len(t, q, 1, "gpu %s", g)
			assert.Nil(t, q.LatestOf("alice"))
		}
		assert.Empty(t, e.notifier.take())
		assert.Zero(t, testutil.ToFloat64(e.metrics.ReservationsCreated.WithLabelValues(metrics.ModePlaceholder)))
	})
}

func TestFinish(t *testing.T) {
	t.Run("promotes next waiter", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob", "carol")
		gpus := e.seedDevice(t, "dev-1", 1)
		e.reserve(t, "alice", gpus[0])
		e.reserve(t, "bob", gpus[0])
		e.reserve(t, "carol", gpus[0])
		e.notifier.take()

		finishedAt := e.clock.Advance(3 * time.Hour)
		promoted, err := e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		require.NotNil(t, promoted)
		assert.Equal(t, "bob", promoted.UserID)

		q := e.queue(t, gpus[0])
		assert.Equal(t, []string{"bob", "carol"}, users(q))
		assert.Equal(t, finishedAt, *q.Current().UsageStarted)
		assert.Equal(t, finishedAt.Add(models.UsagePeriod), *q.Current().UsageExpires)
		checkQueueInvariant(t, q)

		assert.Equal(t, []notification{{"released", "bob", gpus[0]}}, e.notifier.take())
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Promotions))
	})

	t.Run("last reservation empties queue", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice")
		gpus := e.seedDevice(t, "dev-1", 1)
		e.reserve(t, "alice", gpus[0])

		promoted, err := e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		assert.Nil(t, promoted)
		assert.Empty(t, e.queue(t, gpus[0]))
	})

	t.Run("same user queued twice", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice")
		gpus := e.seedDevice(t, "dev-1", 1)
		e.reserve(t, "alice", gpus[0])
		e.reserve(t, "alice", gpus[0])

		promoted, err := e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		assert.Equal(t, "alice", promoted.UserID)
		assert.Len(t, e.queue(t, gpus[0]), 1)
	})

	t.Run("rejections", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		gpus := e.seedDevice(t, "dev-1", 2)
		e.reserve(t, "alice", gpus[0])
		e.reserve(t, "bob", gpus[0])

		_, err := e.sched.Finish(e.ctx, "bob", gpus[0])
		assert.ErrorIs(t, err, models.ErrForbidden, "waiters cannot finish")
		assert.Len(t, e.queue(t, gpus[0]), 2)

		_, err = e.sched.Finish(e.ctx, "alice", gpus[1])
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = e.sched.Finish(e.ctx, "alice", "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)

		e.guard.denied["alice/dev-1"] = true
		_, err = e.sched.Finish(e.ctx, "alice", gpus[0])
		assert.ErrorIs(t, err, models.ErrForbidden)
		assert.Len(t, e.queue(t, gpus[0]), 2)
	})
}

func TestFinishCollapsesPlaceholders(t *testing.T) {
	t.Run("promoted placeholder clears sibling", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		gpus := e.seedDevice(t, "dev-1", 2)
		e.reserve(t, "alice", gpus[0])
		e.reserve(t, "alice", gpus[1])
		e.clock.Advance(time.Second)
		_, err := e.sched.ReserveNextAvailable(e.ctx, "bob", "dev-1")
		require.NoError(t, err)

		promoted, err := e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		assert.Equal(t, "bob", promoted.UserID)

		first, second := e.queue(t, gpus[0]), e.queue(t, gpus[1])
		assert.Equal(t, []string{"bob"}, users(first))
		assert.True(t, first.Current().IsStarted())
		assert.Equal(t, []string{"alice"}, users(second))
		assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.PlaceholdersCleared))
	})

	t.Run("other users on sibling untouched", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		gpus := e.seedDevice(t, "dev-1", 2)
		e.reserve(t, "alice", gpus[1])
		e.reserve(t, "alice", gpus[0])
		e.clock.Advance(time.Second)
		_, err := e.sched.ReserveNextAvailable(e.ctx, "bob", "dev-1")
		require.NoError(t, err)
		e.reserve(t, "alice", gpus[1])

		_, err = e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)

		assert.Equal(t, []string{"bob"}, users(e.queue(t, gpus[0])))
		second := e.queue(t, gpus[1])
		assert.Equal(t, []string{"alice", "alice"}, users(second))
		checkQueueInvariant(t, second)
	})

	t.Run("direct reservation does not collapse", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		gpus := e.seedDevice(t, "dev-1", 2)
		e.reserve(t, "alice", gpus[0])
		e.reserve(t, "alice", gpus[1])
		e.clock.Advance(time.Second)
		_, err := e.sched.ReserveNextAvailable(e.ctx, "bob", "dev-1")
		require.NoError(t, err)

		// bob cancels the placeholder on gpu 0 and queues there directly
		_, err = e.sched.Cancel(e.ctx, "bob", gpus[0])
		require.NoError(t, err)
		e.reserve(t, "bob", gpus[0])

		_, err = e.sched.Finish(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, users(e.queue(t, gpus[1])))
	})

	t.Run("placeholders on other devices survive", func(t *testing.T) {
		e := newEnv(t)
		e.seedUser(t, "alice", "bob")
		a := e.seedDevice(t, "dev-a", 1)
		b := e.seedDevice(t, "dev-b", 1)
		e.reserve(t, "alice", a[0])
		e.reserve(t, "alice", b[0])
		e.clock.Advance(time.Second)
		_, err := e.sched.ReserveNextAvailable(e.ctx, "bob", "dev-a")
		require.NoError(t, err)
		_, err = e.sched.ReserveNextAvailable(e.ctx, "bob", "dev-b")
		require.NoError(t, err)

		_, err = e.sched.Finish(e.ctx, "alice", a[0])
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, users(e.queue(t, b[0])))
	})
}

func TestCancel(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "bob", "carol")
	gpus := e.seedDevice(t, "dev-1", 1)
	e.reserve(t, "alice", gpus[0])
	first := e.reserve(t, "bob", gpus[0])
	e.reserve(t, "carol", gpus[0])
	second := e.reserve(t, "bob", gpus[0])

	t.Run("active reservation", func(t *testing.T) {
		_, err := e.sched.Cancel(e.ctx, "alice", gpus[0])
		assert.ErrorIs(t, err, models.ErrInvalidOperation)
		assert.Len(t, e.queue(t, gpus[0]), 4)
	})

	t.Run("removes latest reservation of user", func(t *testing.T) {
		canceled, err := e.sched.Cancel(e.ctx, "bob", gpus[0])
		require.NoError(t, err)
		assert.Equal(t, second.ID, canceled.ID)

		q := e.queue(t, gpus[0])
		assert.Equal(t, []string{"alice", "bob", "carol"}, users(q))
		assert.Equal(t, first.ID, q[1].ID)
		checkQueueInvariant(t, q)
	})

	t.Run("no reservation", func(t *testing.T) {
		e.seedUser(t, "dave")
		_, err := e.sched.Cancel(e.ctx, "dave", gpus[0])
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("user holding current and queued", func(t *testing.T) {
		e.reserve(t, "alice", gpus[0])
		_, err := e.sched.Cancel(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		_, err = e.sched.Cancel(e.ctx, "alice", gpus[0])
		assert.ErrorIs(t, err, models.ErrInvalidOperation)
		assert.Equal(t, []string{"alice", "bob", "carol"}, users(e.queue(t, gpus[0])))
	})
}

func TestExtend(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "bob")
	gpus := e.seedDevice(t, "dev-1", 2)
	r := e.reserve(t, "alice", gpus[0])
	e.reserve(t, "bob", gpus[0])

	t.Run("too early", func(t *testing.T) {
		e.clock.Advance(24 * time.Hour)
		_, err := e.sched.Extend(e.ctx, "alice", gpus[0])
		assert.ErrorIs(t, err, models.ErrInvalidOperation)
		assert.Equal(t, *r.UsageExpires, *e.queue(t, gpus[0]).Current().UsageExpires)
	})

	t.Run("not the holder", func(t *testing.T) {
		_, err := e.sched.Extend(e.ctx, "bob", gpus[0])
		assert.ErrorIs(t, err, models.ErrForbidden)
		_, err = e.sched.Extend(e.ctx, "bob", gpus[1])
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("within reminder period", func(t *testing.T) {
		e.clock.Set(r.UsageExpires.Add(-models.ReminderPeriod + time.Minute))
		_, err := e.sched.SweepReminders(e.ctx)
		require.NoError(t, err)
		require.True(t, e.queue(t, gpus[0]).Current().ExtensionReminderSent)

		extended, err := e.sched.Extend(e.ctx, "alice", gpus[0])
		require.NoError(t, err)
		assert.Equal(t, e.clock.Now().Add(models.UsagePeriod), *extended.UsageExpires)

		cur := e.queue(t, gpus[0]).Current()
		assert.Equal(t, e.clock.Now().Add(models.UsagePeriod), *cur.UsageExpires)
		assert.Equal(t, *r.UsageStarted, *cur.UsageStarted)
		assert.False(t, cur.ExtensionReminderSent)
	})
}

func TestSweepReminders(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "alice", "bob", "carol")
	gpus := e.seedDevice(t, "dev-1", 2)
	a := e.reserve(t, "alice", gpus[0])
	e.reserve(t, "bob", gpus[0])
	e.clock.Advance(3 * 24 * time.Hour)
	e.reserve(t, "carol", gpus[1])
	e.notifier.take()

	sent, err := e.sched.SweepReminders(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	e.clock.Set(a.UsageExpires.Add(-time.Hour))
	sent, err = e.sched.SweepReminders(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []notification{{"reminder", "alice", gpus[0]}}, e.notifier.take())

	sent, err = e.sched.SweepReminders(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "reminder is sent once")
	assert.Empty(t, e.notifier.take())

	e.clock.Set(a.UsageExpires.Add(time.Hour))
	_, err = e.sched.SweepReminders(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.ExpiredReservations))

	// expiry is advisory: the holder keeps the gpu
	assert.Equal(t, []string{"alice", "bob"}, users(e.queue(t, gpus[0])))
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sched.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentReservations(t *testing.T) {
	t.Run("one holder per gpu", func(t *testing.T) {
		e := newEnv(t)
		gpus := e.seedDevice(t, "dev-1", 1)
		const n = 20
		var ids []string
		for i := 0; i < n; i++ {
			ids = append(ids, fmt.Sprintf("user-%d", i))
		}
		e.seedUser(t, ids...)

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := e.sched.Reserve(e.ctx, id, gpus[0])
				assert.NoError(t, err)
			}(id)
		}
		wg.Wait()

		q := e.queue(t, gpus[0])
		assert.Len(t, q, n)
		checkQueueInvariant(t, q)
	})

	t.Run("next available across devices", func(t *testing.T) {
		e := newEnv(t)
		a := e.seedDevice(t, "dev-a", 2)
		b := e.seedDevice(t, "dev-b", 2)
		var ids []string
		for i := 0; i < 6; i++ {
			ids = append(ids, fmt.Sprintf("user-%d", i))
		}
		e.seedUser(t, ids...)

		var wg sync.WaitGroup
		for i, id := range ids {
			device := "dev-a"
			if i%2 == 1 {
				device = "dev-b"
			}
			wg.Add(1)
			go func(id, device string) {
				defer wg.Done()
				_, err := e.sched.ReserveNextAvailable(e.ctx, id, device)
				assert.NoError(t, err)
			}(id, device)
		}
		wg.Wait()

		for _, g := range append(a, b...) {
			q := e.queue(t, g)
			// one direct grant plus a placeholder from each of the remaining users
			assert.Len(t, q, 2)
			checkQueueInvariant(t, q)
		}
	})
}
