package controller

import (
	"context"
	"fmt"

	"github.com/hendraet/labshare/internal/auth"
	"github.com/hendraet/labshare/internal/config"
	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/store"
)

// SeedUsers writes the configured users, their addresses and device
// permissions. Existing users keep their reservations.
func SeedUsers(ctx context.Context, st *store.Store, users []config.User) error {
	for _, u := range users {
		name := u.Name
		if name == "" {
			name = u.ID
		}
		err := st.PutUser(ctx, models.User{
			ID:          u.ID,
			Name:        name,
			Email:       u.Email,
			TokenHash:   auth.HashToken(u.Token),
			IsStaff:     u.Staff,
			IsSuperuser: u.Superuser,
		}, u.ExtraEmails)
		if err != nil {
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}

		for _, device := range u.Devices {
			if err := st.GrantDevice(ctx, u.ID, device); err != nil {
				return err
			}
		}
	}
	return nil
}
