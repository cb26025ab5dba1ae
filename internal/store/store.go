package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hendraet/labshare/internal/db"
	"github.com/hendraet/labshare/internal/models"
)

// querier is satisfied by both *db.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists devices, GPUs and reservation queues.
//
// The database runs on a single connection, so callers must not use Store
// read methods from inside an Update callback; use the Tx instead.
type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Update runs fn in a transaction. fn's error rolls every write back.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, models.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (s *Store) Device(ctx context.Context, name string) (*models.Device, error) {
	return getDevice(ctx, s.db, name)
}

func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, addr FROM devices ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.Name, &d.Addr); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *Store) GPU(ctx context.Context, uuid string) (*models.GPU, error) {
	g, err := getGPU(ctx, s.db, uuid)
	if err != nil {
		return nil, err
	}
	procs, err := gpuProcesses(ctx, s.db, uuid)
	if err != nil {
		return nil, err
	}
	g.Processes = procs
	return g, nil
}

func (s *Store) DeviceGPUs(ctx context.Context, deviceName string) ([]models.GPU, error) {
	gpus, err := deviceGPUs(ctx, s.db, deviceName)
	if err != nil {
		return nil, err
	}
	for i := range gpus {
		procs, err := gpuProcesses(ctx, s.db, gpus[i].UUID)
		if err != nil {
			return nil, err
		}
		gpus[i].Processes = procs
	}
	return gpus, nil
}

func (s *Store) Queue(ctx context.Context, gpuUUID string) (models.GPUQueue, error) {
	return gpuQueue(ctx, s.db, gpuUUID)
}

// StartedReservations returns every reservation with an open usage window.
func (s *Store) StartedReservations(ctx context.Context) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE usage_started IS NOT NULL ORDER BY time_reserved ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func getDevice(ctx context.Context, q querier, name string) (*models.Device, error) {
	var d models.Device
	err := q.QueryRowContext(ctx, "SELECT name, addr FROM devices WHERE name = ?", name).Scan(&d.Name, &d.Addr)
	if err != nil {
		return nil, notFound(err, "device %s", name)
	}
	return &d, nil
}

const gpuColumns = "uuid, device_name, idx, model_name, used_memory_mb, total_memory_mb, in_use, failed, last_updated"

func scanGPU(sc interface{ Scan(...any) error }) (models.GPU, error) {
	var g models.GPU
	var lastUpdated int64
	err := sc.Scan(&g.UUID, &g.DeviceName, &g.Idx, &g.ModelName, &g.UsedMemoryMB, &g.TotalMemoryMB, &g.InUse, &g.Failed, &lastUpdated)
	g.LastUpdated = fromNanos(lastUpdated)
	return g, err
}

func getGPU(ctx context.Context, q querier, uuid string) (*models.GPU, error) {
	g, err := scanGPU(q.QueryRowContext(ctx, "SELECT "+gpuColumns+" FROM gpus WHERE uuid = ?", uuid))
	if err != nil {
		return nil, notFound(err, "gpu %s", uuid)
	}
	return &g, nil
}

// deviceGPUs lists the GPUs of a device in their stable allocation order.
func deviceGPUs(ctx context.Context, q querier, deviceName string) ([]models.GPU, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+gpuColumns+" FROM gpus WHERE device_name = ? ORDER BY idx ASC, uuid ASC", deviceName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gpus := []models.GPU{}
	for rows.Next() {
		g, err := scanGPU(rows)
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, g)
	}
	return gpus, rows.Err()
}

func gpuProcesses(ctx context.Context, q querier, gpuUUID string) ([]models.GPUProcess, error) {
	rows, err := q.QueryContext(ctx, "SELECT name, pid, memory_usage_mb, username FROM gpu_processes WHERE gpu_uuid = ? ORDER BY id", gpuUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	procs := []models.GPUProcess{}
	for rows.Next() {
		var p models.GPUProcess
		if err := rows.Scan(&p.Name, &p.PID, &p.MemoryUsageMB, &p.Username); err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

const reservationColumns = "seq, id, gpu_uuid, user_id, time_reserved, usage_started, usage_expires, extension_reminder_sent, next_available_spot"

func scanReservations(rows *sql.Rows) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	for rows.Next() {
		var r models.Reservation
		var reserved int64
		var started, expires sql.NullInt64
		if err := rows.Scan(&r.Seq, &r.ID, &r.GPUUUID, &r.UserID, &reserved, &started, &expires, &r.ExtensionReminderSent, &r.NextAvailableSpot); err != nil {
			return nil, err
		}
		r.TimeReserved = fromNanos(reserved)
		r.UsageStarted = nullableTime(started)
		r.UsageExpires = nullableTime(expires)
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func gpuQueue(ctx context.Context, q querier, gpuUUID string) (models.GPUQueue, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE gpu_uuid = ? ORDER BY time_reserved ASC, seq ASC
	`, gpuUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reservations, err := scanReservations(rows)
	if err != nil {
		return nil, err
	}
	return models.NewGPUQueue(reservations), nil
}
