package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hendraet/labshare/internal/models"
)

// AnyDevice in a permission row grants access to every device.
const AnyDevice = "*"

// ReportTelemetry upserts device and its GPUs and replaces each GPU's
// process list with the reported one.
func (s *Store) ReportTelemetry(ctx context.Context, device models.Device, gpus []models.GPU, now time.Time) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO devices (name, addr) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET addr = excluded.addr
		`, device.Name, device.Addr)
		if err != nil {
			return fmt.Errorf("upserting device %s: %w", device.Name, err)
		}

		for _, g := range gpus {
			_, err := tx.tx.ExecContext(ctx, `
				INSERT INTO gpus (uuid, device_name, idx, model_name, used_memory_mb, total_memory_mb, in_use, failed, last_updated)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(uuid) DO UPDATE SET
					device_name = excluded.device_name,
					idx = excluded.idx,
					model_name = excluded.model_name,
					used_memory_mb = excluded.used_memory_mb,
					total_memory_mb = excluded.total_memory_mb,
					in_use = excluded.in_use,
					failed = excluded.failed,
					last_updated = excluded.last_updated
			`, g.UUID, device.Name, g.Idx, g.ModelName, g.UsedMemoryMB, g.TotalMemoryMB, g.InUse, g.Failed, toNanos(now))
			if err != nil {
				return fmt.Errorf("upserting gpu %s: %w", g.UUID, err)
			}

			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM gpu_processes WHERE gpu_uuid = ?", g.UUID); err != nil {
				return fmt.Errorf("clearing processes of gpu %s: %w", g.UUID, err)
			}
			for _, p := range g.Processes {
				_, err := tx.tx.ExecContext(ctx, `
					INSERT INTO gpu_processes (gpu_uuid, name, pid, memory_usage_mb, username)
					VALUES (?, ?, ?, ?, ?)
				`, g.UUID, p.Name, p.PID, p.MemoryUsageMB, p.Username)
				if err != nil {
					return fmt.Errorf("inserting process %d of gpu %s: %w", p.PID, g.UUID, err)
				}
			}
		}
		return nil
	})
}

// DeleteDevice removes a device together with its GPUs and their queues.
func (s *Store) DeleteDevice(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE name = ?", name)
	if err != nil {
		return err
	}
	return expectOne(res, "device %s", name)
}

// DeleteGPU removes a GPU and its queue.
func (s *Store) DeleteGPU(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM gpus WHERE uuid = ?", uuid)
	if err != nil {
		return err
	}
	return expectOne(res, "gpu %s", uuid)
}

// PutUser creates or updates u and replaces its additional email addresses.
// Existing reservations of the user are kept.
func (s *Store) PutUser(ctx context.Context, u models.User, extraEmails []string) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO users (id, name, email, token_hash, is_staff, is_superuser)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				token_hash = excluded.token_hash,
				is_staff = excluded.is_staff,
				is_superuser = excluded.is_superuser
		`, u.ID, u.Name, u.Email, u.TokenHash, u.IsStaff, u.IsSuperuser)
		if err != nil {
			return fmt.Errorf("upserting user %s: %w", u.ID, err)
		}

		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM email_addresses WHERE user_id = ?", u.ID); err != nil {
			return err
		}
		for _, e := range extraEmails {
			if _, err := tx.tx.ExecContext(ctx, "INSERT INTO email_addresses (user_id, email) VALUES (?, ?)", u.ID, e); err != nil {
				return fmt.Errorf("adding email %s to user %s: %w", e, u.ID, err)
			}
		}
		return nil
	})
}

// DeleteUser removes a user and all of their reservations. If one of them was
// the current usage of a GPU, the next reservation becomes the head of the
// queue without being started; only Finish starts a waiting reservation.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(res, "user %s", id)
}

func (s *Store) User(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, "SELECT id, name, email, is_staff, is_superuser FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &u.Email, &u.IsStaff, &u.IsSuperuser)
	if err != nil {
		return nil, notFound(err, "user %s", id)
	}
	return &u, nil
}

func (s *Store) UserByToken(ctx context.Context, token string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, "SELECT id, name, email, is_staff, is_superuser FROM users WHERE token_hash = ?", token).
		Scan(&u.ID, &u.Name, &u.Email, &u.IsStaff, &u.IsSuperuser)
	if err != nil {
		return nil, notFound(err, "user token")
	}
	return &u, nil
}

// UserNames maps every user id to its display name.
func (s *Store) UserNames(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

// EmailAddresses returns the primary address of a user followed by the
// additional ones.
func (s *Store) EmailAddresses(ctx context.Context, userID string) ([]string, error) {
	u, err := s.User(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT email FROM email_addresses WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	if u.Email != "" {
		addrs = append(addrs, u.Email)
	}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		addrs = append(addrs, e)
	}
	return addrs, rows.Err()
}

// GrantDevice allows userID to use deviceName, or every device for AnyDevice.
func (s *Store) GrantDevice(ctx context.Context, userID, deviceName string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO device_permissions (user_id, device_name) VALUES (?, ?)", userID, deviceName)
	if err != nil {
		return fmt.Errorf("granting %s to %s: %w", deviceName, userID, err)
	}
	return nil
}

func (s *Store) HasDevicePermission(ctx context.Context, userID, deviceName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_permissions
		WHERE user_id = ? AND device_name IN (?, ?)
	`, userID, deviceName, AnyDevice).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
