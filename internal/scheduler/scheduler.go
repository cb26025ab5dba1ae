package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/clock"
	"github.com/hendraet/labshare/internal/events"
	"github.com/hendraet/labshare/internal/metrics"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/store"
)

// Scheduler owns the reservation queues of all GPUs.
type Scheduler struct {
	store   Store
	guard   AccessGuard
	notify  Notifier
	events  EventRecorder
	metrics *metrics.Metrics
	clock   clock.Clock
	locks   *deviceLocks
}

func New(st Store, guard AccessGuard, notifier Notifier, recorder EventRecorder, m *metrics.Metrics, clk clock.Clock) *Scheduler {
	return &Scheduler{
		store:   st,
		guard:   guard,
		notify:  notifier,
		events:  recorder,
		metrics: m,
		clock:   clk,
		locks:   newDeviceLocks(),
	}
}

// update runs fn under the device lock inside one store transaction.
func (s *Scheduler) update(ctx context.Context, deviceName string, fn func(tx *store.Tx, now time.Time) error) error {
	unlock := s.locks.lock(deviceName)
	defer unlock()

	now := s.clock.Now()
	return s.store.Update(ctx, func(tx *store.Tx) error {
		return fn(tx, now)
	})
}

// authorizedGPU loads a GPU and checks the user may use its device.
func (s *Scheduler) authorizedGPU(ctx context.Context, userID, gpuUUID string) (*models.GPU, error) {
	gpu, err := s.store.GPU(ctx, gpuUUID)
	if err != nil {
		return nil, err
	}
	if !s.guard.CanUse(ctx, userID, gpu.DeviceName) {
		return nil, fmt.Errorf("user %s may not use device %s: %w", userID, gpu.DeviceName, models.ErrForbidden)
	}
	return gpu, nil
}

func newReservation(gpuUUID, userID string, now time.Time) models.Reservation {
	return models.Reservation{
		ID:           uuid.New().String(),
		GPUUUID:      gpuUUID,
		UserID:       userID,
		TimeReserved: now,
	}
}

func (s *Scheduler) CurrentReservation(ctx context.Context, gpuUUID string) (*models.Reservation, error) {
	q, err := s.store.Queue(ctx, gpuUUID)
	if err != nil {
		return nil, err
	}
	return q.Current(), nil
}

func (s *Scheduler) NextReservations(ctx context.Context, gpuUUID string) ([]models.Reservation, error) {
	q, err := s.store.Queue(ctx, gpuUUID)
	if err != nil {
		return nil, err
	}
	return q.Next(), nil
}

// Reserve queues userID on a specific GPU. The reservation starts right away
// when the GPU has no other reservation.
func (s *Scheduler) Reserve(ctx context.Context, userID, gpuUUID string) (*models.Reservation, error) {
	gpu, err := s.authorizedGPU(ctx, userID, gpuUUID)
	if err != nil {
		return nil, err
	}

	var created models.Reservation
	err = s.update(ctx, gpu.DeviceName, func(tx *store.Tx, now time.Time) error {
		q, err := tx.Queue(ctx, gpu.UUID)
		if err != nil {
			return err
		}
		created = newReservation(gpu.UUID, userID, now)
		if q.IsEmpty() {
			created.StartUsage(now)
		}
		return tx.InsertReservation(ctx, &created)
	})
	if err != nil {
		return nil, fmt.Errorf("reserving gpu %s: %w", gpu.UUID, err)
	}

	s.metrics.ReservationsCreated.WithLabelValues(metrics.ModeDirect).Inc()
	s.events.EmitReservation(events.TypeReservationCreated, created, map[string]any{"user_id": userID, "started": created.IsStarted()})
	log.WithFields(log.Fields{"user": userID, "gpu": gpu.UUID, "started": created.IsStarted()}).Info("reservation created")

	s.notify.NotifyQueued(ctx, userID, *gpu)
	return &created, nil
}

// ReserveNextAvailable gives userID the first free GPU of a device. When no
// GPU is free it queues a placeholder reservation on every GPU of the device
// instead; all placeholders are written in one transaction.
func (s *Scheduler) ReserveNextAvailable(ctx context.Context, userID, deviceName string) ([]models.Reservation, error) {
	device, err := s.store.Device(ctx, deviceName)
	if err != nil {
		return nil, err
	}
	if !s.guard.CanUse(ctx, userID, device.Name) {
		return nil, fmt.Errorf("user %s may not use device %s: %w", userID, device.Name, models.ErrForbidden)
	}

	var (
		created []models.Reservation
		gpus    []models.GPU
		granted bool
	)
	err = s.update(ctx, device.Name, func(tx *store.Tx, now time.Time) error {
		created, granted = nil, false

		gpus, err = tx.DeviceGPUs(ctx, device.Name)
		if err != nil {
			return err
		}
		if len(gpus) == 0 {
			return fmt.Errorf("device %s has no gpus: %w", device.Name, models.ErrNotFound)
		}

		for _, g := range gpus {
			q, err := tx.Queue(ctx, g.UUID)
			if err != nil {
				return err
			}
			if !q.IsEmpty() {
				continue
			}
			r := newReservation(g.UUID, userID, now)
			r.StartUsage(now)
			if err := tx.InsertReservation(ctx, &r); err != nil {
				return err
			}
			created, granted = []models.Reservation{r}, true
			gpus = []models.GPU{g}
			return nil
		}

		for _, g := range gpus {
			r := newReservation(g.UUID, userID, now)
			r.NextAvailableSpot = true
			if err := tx.InsertReservation(ctx, &r); err != nil {
				return err
			}
			created = append(created, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserving next available gpu on %s: %w", device.Name, err)
	}

	logger := log.WithFields(log.Fields{"user": userID, "device": device.Name})
	if granted {
		s.metrics.ReservationsCreated.WithLabelValues(metrics.ModeNextFree).Inc()
		s.events.EmitReservation(events.TypeReservationCreated, created[0], map[string]any{"user_id": userID, "started": true, "next_available_spot": true})
		logger.WithField("gpu", created[0].GPUUUID).Info("free gpu granted")
		s.notify.NotifyReleased(ctx, userID, gpus[0])
		return created, nil
	}

	s.metrics.ReservationsCreated.WithLabelValues(metrics.ModePlaceholder).Add(float64(len(created)))
	for _, r := range created {
		s.events.EmitReservation(events.TypeReservationCreated, r, map[string]any{"user_id": userID, "started": false, "next_available_spot": true})
	}
	logger.WithField("gpus", len(created)).Info("no free gpu, queued on every gpu of device")
	for _, g := range gpus {
		s.notify.NotifyQueued(ctx, userID, g)
	}
	return created, nil
}

// Finish ends the current usage of a GPU. Only the current holder may finish.
// The next waiter, if any, is promoted and its usage window starts. When the
// promoted reservation was a next-available-spot placeholder, the user's other
// pending placeholders on the same device are dropped.
//
// The promoted reservation is returned, or nil when the queue is now empty.
func (s *Scheduler) Finish(ctx context.Context, userID, gpuUUID string) (*models.Reservation, error) {
	gpu, err := s.authorizedGPU(ctx, userID, gpuUUID)
	if err != nil {
		return nil, err
	}

	var (
		finished models.Reservation
		promoted *models.Reservation
		cleared  []models.Reservation
	)
	err = s.update(ctx, gpu.DeviceName, func(tx *store.Tx, now time.Time) error {
		promoted, cleared = nil, nil

		q, err := tx.Queue(ctx, gpu.UUID)
		if err != nil {
			return err
		}
		cur := q.Current()
		if cur == nil {
			return fmt.Errorf("gpu %s has no current reservation: %w", gpu.UUID, models.ErrNotFound)
		}
		if cur.UserID != userID {
			return fmt.Errorf("gpu %s is held by another user: %w", gpu.UUID, models.ErrForbidden)
		}
		finished = *cur
		if err := tx.DeleteReservation(ctx, cur.ID); err != nil {
			return err
		}

		next := q.Next()
		if len(next) == 0 {
			return nil
		}
		p := next[0]
		p.StartUsage(now)
		if err := tx.SaveReservation(ctx, &p); err != nil {
			return err
		}
		promoted = &p

		if !p.NextAvailableSpot {
			return nil
		}
		placeholders, err := tx.Placeholders(ctx, gpu.DeviceName, p.UserID)
		if err != nil {
			return err
		}
		for _, ph := range placeholders {
			if err := tx.DeleteReservation(ctx, ph.ID); err != nil {
				return err
			}
			cleared = append(cleared, ph)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finishing gpu %s: %w", gpu.UUID, err)
	}

	s.metrics.Releases.WithLabelValues(metrics.ReleaseFinish).Inc()
	s.events.EmitReservation(events.TypeReservationFinish, finished, map[string]any{"user_id": userID})
	logger := log.WithFields(log.Fields{"user": userID, "gpu": gpu.UUID})
	if promoted == nil {
		logger.Info("gpu released, queue empty")
		return nil, nil
	}

	s.metrics.Promotions.Inc()
	s.metrics.PlaceholdersCleared.Add(float64(len(cleared)))
	s.events.EmitReservation(events.TypeReservationPromote, *promoted, map[string]any{"user_id": promoted.UserID})
	for _, ph := range cleared {
		s.events.EmitReservation(events.TypePlaceholderCleared, ph, map[string]any{"user_id": ph.UserID, "granted_gpu": gpu.UUID})
	}
	logger.WithFields(log.Fields{"promoted": promoted.UserID, "placeholders_cleared": len(cleared)}).Info("gpu released to next user")

	s.notify.NotifyReleased(ctx, promoted.UserID, *gpu)
	return promoted, nil
}

// Cancel withdraws the latest reservation userID holds on a GPU. An active
// usage cannot be cancelled; it has to be finished.
func (s *Scheduler) Cancel(ctx context.Context, userID, gpuUUID string) (*models.Reservation, error) {
	gpu, err := s.authorizedGPU(ctx, userID, gpuUUID)
	if err != nil {
		return nil, err
	}

	var canceled models.Reservation
	err = s.update(ctx, gpu.DeviceName, func(tx *store.Tx, now time.Time) error {
		q, err := tx.Queue(ctx, gpu.UUID)
		if err != nil {
			return err
		}
		latest := q.LatestOf(userID)
		if latest == nil {
			return fmt.Errorf("user %s has no reservation on gpu %s: %w", userID, gpu.UUID, models.ErrNotFound)
		}
		if latest.ID == q.Current().ID {
			return fmt.Errorf("reservation %s is in use, finish it instead: %w", latest.ID, models.ErrInvalidOperation)
		}
		canceled = *latest
		return tx.DeleteReservation(ctx, latest.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("canceling on gpu %s: %w", gpu.UUID, err)
	}

	s.metrics.Releases.WithLabelValues(metrics.ReleaseCancel).Inc()
	s.events.EmitReservation(events.TypeReservationCancel, canceled, map[string]any{"user_id": userID})
	log.WithFields(log.Fields{"user": userID, "gpu": gpu.UUID}).Info("reservation canceled")
	return &canceled, nil
}

// Extend renews the usage window of the current holder. It fails with
// models.ErrInvalidOperation outside the reminder period before expiry.
func (s *Scheduler) Extend(ctx context.Context, userID, gpuUUID string) (*models.Reservation, error) {
	gpu, err := s.authorizedGPU(ctx, userID, gpuUUID)
	if err != nil {
		return nil, err
	}

	var extended models.Reservation
	err = s.update(ctx, gpu.DeviceName, func(tx *store.Tx, now time.Time) error {
		q, err := tx.Queue(ctx, gpu.UUID)
		if err != nil {
			return err
		}
		cur := q.Current()
		if cur == nil {
			return fmt.Errorf("gpu %s has no current reservation: %w", gpu.UUID, models.ErrNotFound)
		}
		if cur.UserID != userID {
			return fmt.Errorf("gpu %s is held by another user: %w", gpu.UUID, models.ErrForbidden)
		}
		if !cur.Extend(now) {
			return fmt.Errorf("reservation %s is not eligible for extension: %w", cur.ID, models.ErrInvalidOperation)
		}
		extended = *cur
		return tx.SaveReservation(ctx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("extending on gpu %s: %w", gpu.UUID, err)
	}

	s.metrics.Extensions.Inc()
	s.events.EmitReservation(events.TypeUsageExtended, extended, map[string]any{"user_id": userID, "usage_expires": extended.UsageExpires})
	log.WithFields(log.Fields{"user": userID, "gpu": gpu.UUID, "expires": extended.UsageExpires}).Info("usage extended")
	return &extended, nil
}
