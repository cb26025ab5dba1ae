package models

import "time"

// GPUView is the client-facing state of a GPU and its queue.
type GPUView struct {
	Name              string       `json:"name"`
	UUID              string       `json:"uuid"`
	Memory            string       `json:"memory"`
	Processes         []GPUProcess `json:"processes"`
	LastUpdate        time.Time    `json:"last_update"`
	Stale             bool         `json:"stale"`
	Failed            bool         `json:"failed"`
	InUse             bool         `json:"in_use"`
	CurrentUser       string       `json:"current_user"`
	ExtensionPossible bool         `json:"extension_possible"`
	UsageExpires      *time.Time   `json:"usage_expires,omitempty"`
	NextUsers         []string     `json:"next_users"`
}

type DeviceView struct {
	Name string    `json:"name"`
	GPUs []GPUView `json:"gpus"`
}

// NewGPUView renders g with its queue. userNames maps user ids to display
// names; ids missing from the map are shown as-is.
func NewGPUView(g GPU, q GPUQueue, userNames map[string]string, now time.Time) GPUView {
	name := func(id string) string {
		if n, ok := userNames[id]; ok {
			return n
		}
		return id
	}

	v := GPUView{
		Name:       g.ModelName,
		UUID:       g.UUID,
		Memory:     g.MemoryUsage(),
		Processes:  g.Processes,
		LastUpdate: g.LastUpdated,
		Stale:      g.LastUpdateTooLongAgo(now),
		Failed:     g.Failed,
		InUse:      g.InUse,
		NextUsers:  []string{},
	}
	if v.Processes == nil {
		v.Processes = []GPUProcess{}
	}

	if cur := q.Current(); cur != nil {
		v.CurrentUser = name(cur.UserID)
		v.ExtensionPossible = cur.IsExtensionPossible(now)
		v.UsageExpires = cur.UsageExpires
	}
	for _, r := range q.Next() {
		v.NextUsers = append(v.NextUsers, name(r.UserID))
	}
	return v
}
