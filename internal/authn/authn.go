// Package authn issues and verifies the two credential types gatehouse
// understands: the single admin account (session cookie + CSRF token,
// bcrypt password) and per-user gateway API keys (bearer token, bcrypt
// hash). There is no multi-admin RBAC and no JWT — sessions are opaque
// random IDs backed by gh_sessions, not a self-signed token scheme.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rakunlabs/gatehouse/internal/store"
)

const settingAdminPasswordHash = "admin_password_hash"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Manager wires session/CSRF issuance to the store and the configured
// session TTLs: sessionTTL is the sliding inactivity window, maxLifetime
// the hard cap past which no amount of activity keeps a session alive.
type Manager struct {
	store       store.StorerClose
	sessionTTL  time.Duration
	maxLifetime time.Duration
}

func NewManager(st store.StorerClose, sessionTTL, maxLifetime time.Duration) *Manager {
	return &Manager{store: st, sessionTTL: sessionTTL, maxLifetime: maxLifetime}
}

// Bootstrap seeds the admin password hash from bootstrapPassword on first
// run only; once gh_settings already holds a hash, it is left untouched.
func (m *Manager) Bootstrap(ctx context.Context, bootstrapPassword string) error {
	_, ok, err := m.store.GetSetting(ctx, settingAdminPasswordHash)
	if err != nil {
		return fmt.Errorf("check admin password setting: %w", err)
	}
	if ok {
		return nil
	}

	if bootstrapPassword == "" {
		return errors.New("admin.bootstrap_password is required on first run")
	}

	hash, err := HashPassword(bootstrapPassword)
	if err != nil {
		return err
	}

	return m.store.SetSetting(ctx, settingAdminPasswordHash, hash)
}

// VerifyAdminPassword checks password against the stored bcrypt hash in
// constant time (bcrypt.CompareHashAndPassword already is).
func (m *Manager) VerifyAdminPassword(ctx context.Context, password string) error {
	hash, ok, err := m.store.GetSetting(ctx, settingAdminPasswordHash)
	if err != nil {
		return fmt.Errorf("load admin password hash: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}

	return nil
}

// HashPassword bcrypt-hashes a plaintext password at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CreateSession issues a new opaque admin session valid for the configured
// TTL.
func (m *Manager) CreateSession(ctx context.Context) (*store.Session, error) {
	return m.store.CreateSession(ctx, store.Session{
		ExpiresAt: time.Now().UTC().Add(m.sessionTTL),
	})
}

// ValidateSession loads a session by ID and rejects it if expired, sliding
// the expiry forward on each successful check. The slide is clamped to
// CreatedAt+maxLifetime: activity extends a session, but never past the
// hard cap.
func (m *Manager) ValidateSession(ctx context.Context, id string) (*store.Session, error) {
	if id == "" {
		return nil, ErrInvalidCredentials
	}

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if sess.ExpiresAt.Before(now) {
		_ = m.store.DeleteSession(ctx, id)
		return nil, ErrInvalidCredentials
	}

	newExpiry := now.Add(m.sessionTTL)
	if m.maxLifetime > 0 {
		hardStop := sess.CreatedAt.Add(m.maxLifetime)
		if !now.Before(hardStop) {
			_ = m.store.DeleteSession(ctx, id)
			return nil, ErrInvalidCredentials
		}
		if newExpiry.After(hardStop) {
			newExpiry = hardStop
		}
	}

	if err := m.store.TouchSession(ctx, id, newExpiry); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	sess.ExpiresAt = newExpiry

	return sess, nil
}

func (m *Manager) DestroySession(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}

// StartSessionSweep deletes expired session rows on a fixed interval until
// ctx is cancelled. ValidateSession already deletes expired sessions it
// sees; the sweep catches the ones no request ever touches again.
func (m *Manager) StartSessionSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.DeleteExpiredSessions(ctx)
				if err != nil {
					slog.Error("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("session sweep removed expired sessions", "count", n)
				}
			}
		}
	}()
}

// NewCSRFToken generates a random double-submit CSRF token. Callers set it
// both as a readable cookie and expect it echoed in the X-CSRF-Token
// header on state-changing requests.
func NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CheckCSRF compares the cookie and header values in constant time.
func CheckCSRF(cookieValue, headerValue string) bool {
	if cookieValue == "" || headerValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieValue), []byte(headerValue)) == 1
}
