package models

import (
	"time"
)

type Device struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type GPU struct {
	UUID          string       `json:"uuid"`
	DeviceName    string       `json:"device_name"`
	Idx           int          `json:"idx"`
	ModelName     string       `json:"model_name"`
	UsedMemoryMB  int          `json:"used_memory_mb"`
	TotalMemoryMB int          `json:"total_memory_mb"`
	InUse         bool         `json:"in_use"`
	Failed        bool         `json:"failed"`
	LastUpdated   time.Time    `json:"last_updated"`
	Processes     []GPUProcess `json:"processes,omitempty"`
}

// GPUProcess is a telemetry snapshot entry. The whole set is replaced on every report.
type GPUProcess struct {
	Name          string `json:"name"`
	PID           int    `json:"pid"`
	MemoryUsageMB int    `json:"memory_usage_mb"`
	Username      string `json:"username"`
}

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	TokenHash   string `json:"-"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

type EmailAddress struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type Reservation struct {
	ID                    string     `json:"id"`
	GPUUUID               string     `json:"gpu_uuid"`
	UserID                string     `json:"user_id"`
	TimeReserved          time.Time  `json:"time_reserved"`
	UsageStarted          *time.Time `json:"usage_started,omitempty"`
	UsageExpires          *time.Time `json:"usage_expires,omitempty"`
	ExtensionReminderSent bool       `json:"extension_reminder_sent"`
	NextAvailableSpot     bool       `json:"user_reserved_next_available_spot"`

	// Seq is the store insertion order, used to break time_reserved ties.
	Seq int64 `json:"-"`
}

type Event struct {
	ID            int64     `json:"id"`
	At            time.Time `json:"at"`
	Type          string    `json:"type"`
	ReservationID *string   `json:"reservation_id,omitempty"`
	GPUUUID       *string   `json:"gpu_uuid,omitempty"`
	PayloadJSON   *string   `json:"payload_json,omitempty"`
}

// TelemetryReport is what a device agent posts to the controller.
type TelemetryReport struct {
	Device       string `json:"device"`
	Addr         string `json:"addr"`
	AgentVersion string `json:"agent_version"`
	GPUs         []GPU  `json:"gpus"`
}
