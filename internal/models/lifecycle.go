package models

import (
	"fmt"
	"sort"
	"time"
)

const (
	UsagePeriod         = 8 * 24 * time.Hour
	ReminderPeriod      = 48 * time.Hour
	TelemetryStaleAfter = 30 * time.Minute
)

// StartUsage opens a fresh usage window beginning at now.
func (r *Reservation) StartUsage(now time.Time) {
	expires := now.Add(UsagePeriod)
	r.UsageStarted = &now
	r.UsageExpires = &expires
	r.ExtensionReminderSent = false
}

func (r *Reservation) IsStarted() bool {
	return r.UsageStarted != nil
}

func (r *Reservation) IsExtensionPossible(now time.Time) bool {
	if r.UsageStarted == nil || r.UsageExpires == nil {
		return false
	}
	return now.Add(ReminderPeriod).After(*r.UsageExpires)
}

func (r *Reservation) NeedsReminder(now time.Time) bool {
	if r.ExtensionReminderSent {
		return false
	}
	return r.IsExtensionPossible(now)
}

func (r *Reservation) IsUsageExpired(now time.Time) bool {
	if r.UsageExpires == nil {
		return false
	}
	return now.After(*r.UsageExpires)
}

// Extend renews the usage window. It reports false and leaves r untouched
// when the reservation is not yet within the reminder period of its expiry.
func (r *Reservation) Extend(now time.Time) bool {
	if !r.IsExtensionPossible(now) {
		return false
	}
	expires := now.Add(UsagePeriod)
	r.UsageExpires = &expires
	r.ExtensionReminderSent = false
	return true
}

func (r *Reservation) SetReminderSent() {
	r.ExtensionReminderSent = true
}

// Before orders reservations by time_reserved, then by insertion order.
func (r *Reservation) Before(o *Reservation) bool {
	if !r.TimeReserved.Equal(o.TimeReserved) {
		return r.TimeReserved.Before(o.TimeReserved)
	}
	return r.Seq < o.Seq
}

func (r *Reservation) String() string {
	return fmt.Sprintf("%s on %s, %s", r.ID, r.GPUUUID, r.UserID)
}

func (g *GPU) LastUpdateTooLongAgo(now time.Time) bool {
	return g.LastUpdated.Before(now.Add(-TelemetryStaleAfter))
}

func (g *GPU) MemoryUsage() string {
	return fmt.Sprintf("%d MiB / %d MiB", g.UsedMemoryMB, g.TotalMemoryMB)
}

// GPUQueue is the reservation set of one GPU, earliest first.
type GPUQueue []Reservation

func NewGPUQueue(reservations []Reservation) GPUQueue {
	q := make(GPUQueue, len(reservations))
	copy(q, reservations)
	sort.SliceStable(q, func(i, j int) bool { return q[i].Before(&q[j]) })
	return q
}

// Current returns the holder of the GPU, or nil when the queue is empty.
func (q GPUQueue) Current() *Reservation {
	if len(q) == 0 {
		return nil
	}
	return &q[0]
}

// Next returns the waiters behind the current holder.
func (q GPUQueue) Next() []Reservation {
	if len(q) <= 1 {
		return []Reservation{}
	}
	return q[1:]
}

// LatestOf returns the most recent reservation held by userID.
func (q GPUQueue) LatestOf(userID string) *Reservation {
	for i := len(q) - 1; i >= 0; i-- {
		if q[i].UserID == userID {
			return &q[i]
		}
	}
	return nil
}

func (q GPUQueue) IsEmpty() bool {
	return len(q) == 0
}
