package scheduler

import (
	"context"

	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/store"
)

// Store is the persistence the scheduler needs. Update must run its callback
// atomically: either every write in it is committed or none is.
type Store interface {
	GPU(ctx context.Context, uuid string) (*models.GPU, error)
	Device(ctx context.Context, name string) (*models.Device, error)
	Queue(ctx context.Context, gpuUUID string) (models.GPUQueue, error)
	StartedReservations(ctx context.Context) ([]models.Reservation, error)
	Update(ctx context.Context, fn func(tx *store.Tx) error) error
}

// AccessGuard decides whether a user may use a device.
type AccessGuard interface {
	CanUse(ctx context.Context, userID, deviceName string) bool
}

// Notifier informs users about changes to their reservations. Calls happen
// after the change is committed and must not block for long.
type Notifier interface {
	// NotifyQueued confirms a new reservation on gpu.
	NotifyQueued(ctx context.Context, userID string, gpu models.GPU)
	// NotifyReleased tells userID that gpu is now theirs to use.
	NotifyReleased(ctx context.Context, userID string, gpu models.GPU)
	// NotifyReminder asks userID to extend r before it expires.
	NotifyReminder(ctx context.Context, userID string, r models.Reservation)
}

// EventRecorder keeps an audit trail of reservation changes.
type EventRecorder interface {
	EmitReservation(eventType string, r models.Reservation, payload any)
}
