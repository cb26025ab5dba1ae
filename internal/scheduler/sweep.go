package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/events"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/store"
)

// Run sweeps reminders every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepReminders(ctx); err != nil {
				log.Printf("Scheduler: reminder sweep failed: %v", err)
			}
		}
	}
}

// SweepReminders notifies every holder whose usage window is about to expire
// and has not been reminded yet, then marks the reminder as sent. Expired
// windows are only counted; they are not released.
func (s *Scheduler) SweepReminders(ctx context.Context) (int, error) {
	started, err := s.store.StartedReservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing started reservations: %w", err)
	}

	now := s.clock.Now()
	sent, expired := 0, 0
	for _, r := range started {
		if r.IsUsageExpired(now) {
			expired++
		}
		if !r.NeedsReminder(now) {
			continue
		}

		gpu, err := s.store.GPU(ctx, r.GPUUUID)
		if err != nil {
			log.Printf("Scheduler: skipping reminder for %s: %v", r.ID, err)
			continue
		}

		s.notify.NotifyReminder(ctx, r.UserID, r)
		marked, err := s.markReminderSent(ctx, gpu.DeviceName, r.ID)
		if err != nil {
			log.Printf("Scheduler: marking reminder for %s failed: %v", r.ID, err)
			continue
		}
		if !marked {
			continue
		}
		sent++
		s.metrics.RemindersSent.Inc()
		s.events.EmitReservation(events.TypeReminderSent, r, map[string]any{"user_id": r.UserID, "usage_expires": r.UsageExpires})
	}

	s.metrics.ExpiredReservations.Set(float64(expired))
	if sent > 0 || expired > 0 {
		log.WithFields(log.Fields{"reminded": sent, "expired": expired}).Info("reminder sweep done")
	}
	return sent, nil
}

// markReminderSent flags reservation id unless it vanished or was renewed
// since it was read.
func (s *Scheduler) markReminderSent(ctx context.Context, deviceName, id string) (bool, error) {
	marked := false
	err := s.update(ctx, deviceName, func(tx *store.Tx, now time.Time) error {
		r, err := tx.Reservation(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.NeedsReminder(now) {
			return nil
		}
		r.SetReminderSent()
		marked = true
		return tx.SaveReservation(ctx, r)
	})
	return marked, err
}
