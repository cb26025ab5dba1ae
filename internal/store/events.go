package store

import (
	"context"
	"fmt"

	"github.com/hendraet/labshare/internal/models"
)

func (s *Store) InsertEvents(ctx context.Context, batch []models.Event) error {
	return s.Update(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx, "INSERT INTO events (at, type, reservation_id, gpu_uuid, payload_json) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, toNanos(e.At), e.Type, e.ReservationID, e.GPUUUID, e.PayloadJSON); err != nil {
				return fmt.Errorf("inserting event %s: %w", e.Type, err)
			}
		}
		return nil
	})
}

func (s *Store) GPUEvents(ctx context.Context, gpuUUID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, at, type, reservation_id, gpu_uuid, payload_json FROM events WHERE gpu_uuid = ? ORDER BY at ASC, id ASC", gpuUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		var e models.Event
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Type, &e.ReservationID, &e.GPUUUID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		e.At = fromNanos(at)
		events = append(events, e)
	}
	return events, rows.Err()
}
