package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/models"
)

type contextKey string

const userKey contextKey = "user"

// UserStore resolves users and their device permissions.
type UserStore interface {
	UserByToken(ctx context.Context, tokenHash string) (*models.User, error)
	HasDevicePermission(ctx context.Context, userID, deviceName string) (bool, error)
	User(ctx context.Context, id string) (*models.User, error)
}

// HashToken is the form in which bearer tokens are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type Authenticator struct {
	users UserStore
}

func NewAuthenticator(users UserStore) *Authenticator {
	return &Authenticator{users: users}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing auth header", http.StatusUnauthorized)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader || token == "" {
			http.Error(w, "invalid auth header format", http.StatusUnauthorized)
			return
		}

		user, err := a.users.UserByToken(r.Context(), HashToken(token))
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				log.Printf("Auth: token lookup for %s failed: %v", r.URL.Path, err)
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

func (a *Authenticator) AgentMiddleware(sharedToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Agent-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sharedToken)) != 1 {
			http.Error(w, "unauthorized agent", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// DeviceGuard decides who may reserve GPUs of a device. Superusers may use
// every device; everybody else needs a permission row for the device or for
// all devices.
type DeviceGuard struct {
	users UserStore
}

func NewDeviceGuard(users UserStore) *DeviceGuard {
	return &DeviceGuard{users: users}
}

func (g *DeviceGuard) CanUse(ctx context.Context, userID, deviceName string) bool {
	u, err := g.users.User(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user", userID).Warn("access check: unknown user")
		return false
	}
	if u.IsSuperuser {
		return true
	}

	ok, err := g.users.HasDevicePermission(ctx, userID, deviceName)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"user": userID, "device": deviceName}).Error("access check failed")
		return false
	}
	return ok
}
