package notify

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hendraet/labshare/internal/models"
)

type addressBook map[string][]string

func (b addressBook) EmailAddresses(_ context.Context, userID string) ([]string, error) {
	to, ok := b[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return to, nil
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(addressBook{
		"alice": {"alice@lab.example", "a@home.example"},
		"bob":   {},
	}, logger)
	ctx := context.Background()
	gpu := models.GPU{UUID: "gpu-0", DeviceName: "dev-1"}

	n.NotifyReleased(ctx, "alice", gpu)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, log.InfoLevel, entry.Level)
	assert.Equal(t, "gpu ready", entry.Message)
	assert.Equal(t, []string{"alice@lab.example", "a@home.example"}, entry.Data["to"])
	assert.Equal(t, "gpu-0", entry.Data["gpu"])

	expires := time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)
	n.NotifyReminder(ctx, "alice", models.Reservation{ID: "r1", GPUUUID: "gpu-0", UsageExpires: &expires})
	assert.Equal(t, "2024-05-14 09:00", hook.LastEntry().Data["expires"])

	n.NotifyQueued(ctx, "bob", gpu)
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)

	n.NotifyQueued(ctx, "carol", gpu)
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Len(t, hook.AllEntries(), 4)
}
