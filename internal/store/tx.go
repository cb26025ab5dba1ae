package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hendraet/labshare/internal/models"
)

// Tx exposes the queue operations that must run atomically.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GPU(ctx context.Context, uuid string) (*models.GPU, error) {
	return getGPU(ctx, t.tx, uuid)
}

func (t *Tx) Device(ctx context.Context, name string) (*models.Device, error) {
	return getDevice(ctx, t.tx, name)
}

func (t *Tx) DeviceGPUs(ctx context.Context, deviceName string) ([]models.GPU, error) {
	return deviceGPUs(ctx, t.tx, deviceName)
}

func (t *Tx) Queue(ctx context.Context, gpuUUID string) (models.GPUQueue, error) {
	return gpuQueue(ctx, t.tx, gpuUUID)
}

func (t *Tx) Reservation(ctx context.Context, id string) (*models.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rs, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	return &rs[0], nil
}

// InsertReservation stores r and records its insertion order in r.Seq.
func (t *Tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, gpu_uuid, user_id, time_reserved, usage_started, usage_expires, extension_reminder_sent, next_available_spot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.GPUUUID, r.UserID, toNanos(r.TimeReserved), nullableNanos(r.UsageStarted), nullableNanos(r.UsageExpires), r.ExtensionReminderSent, r.NextAvailableSpot)
	if err != nil {
		return fmt.Errorf("inserting reservation %s: %w", r.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.Seq = seq
	return nil
}

// SaveReservation writes back the usage window fields of r.
func (t *Tx) SaveReservation(ctx context.Context, r *models.Reservation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET usage_started = ?, usage_expires = ?, extension_reminder_sent = ?
		WHERE id = ?
	`, nullableNanos(r.UsageStarted), nullableNanos(r.UsageExpires), r.ExtensionReminderSent, r.ID)
	if err != nil {
		return fmt.Errorf("updating reservation %s: %w", r.ID, err)
	}
	return expectOne(res, "reservation %s", r.ID)
}

func (t *Tx) DeleteReservation(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM reservations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting reservation %s: %w", id, err)
	}
	return expectOne(res, "reservation %s", id)
}

// Placeholders returns userID's queued next-available-spot reservations on
// the GPUs of deviceName.
func (t *Tx) Placeholders(ctx context.Context, deviceName, userID string) ([]models.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.seq, r.id, r.gpu_uuid, r.user_id, r.time_reserved, r.usage_started, r.usage_expires, r.extension_reminder_sent, r.next_available_spot
		FROM reservations r
		JOIN gpus g ON g.uuid = r.gpu_uuid
		WHERE g.device_name = ? AND r.user_id = ? AND r.next_available_spot = 1 AND r.usage_started IS NULL
		ORDER BY r.time_reserved ASC, r.seq ASC
	`, deviceName, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func expectOne(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, models.ErrNotFound)...)
	}
	return nil
}
