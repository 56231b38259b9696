package authn

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rakunlabs/gatehouse/internal/store"
)

const (
	apiKeyAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	apiKeySecretLen  = 32
	apiKeyPrefixMark = "sk-"
)

// GenerateAPIKey mints a new gateway bearer key of the form
// "sk-<name>-<32 random chars>". The "sk-<name>" prefix is stored in the
// clear as key_prefix for lookup and UI display; the full key is only ever
// shown once, at creation time. The name segment is normalized to
// lowercase alphanumerics so the prefix parses unambiguously up to the
// second hyphen.
func GenerateAPIKey(name string) (fullKey, prefix string, err error) {
	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	for i := range secret {
		secret[i] = apiKeyAlphabet[int(secret[i])%len(apiKeyAlphabet)]
	}

	prefix = apiKeyPrefixMark + normalizeKeyName(name)
	fullKey = prefix + "-" + string(secret)

	return fullKey, prefix, nil
}

func normalizeKeyName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// parseKeyPrefix returns the "sk-<name>" portion of a full bearer key: the
// substring up to (not including) the second hyphen. Malformed shapes
// return empty.
func parseKeyPrefix(token string) string {
	if !strings.HasPrefix(token, apiKeyPrefixMark) {
		return ""
	}
	rest := token[len(apiKeyPrefixMark):]
	i := strings.IndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return ""
	}
	return token[:len(apiKeyPrefixMark)+i]
}

// HashAPIKey bcrypt-hashes the full key for storage in gh_users.key_hash.
func HashAPIKey(fullKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// AuthenticateAPIKey parses a bearer Authorization header value, looks the
// user up by key prefix, and verifies the full key against the stored
// bcrypt hash. Enabled/quota gating happens in the caller; this only
// answers whether the key itself is genuine.
func AuthenticateAPIKey(ctx context.Context, st store.UserStorer, authHeader string) (*store.User, error) {
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || token == "" {
		return nil, ErrInvalidCredentials
	}

	prefix := parseKeyPrefix(token)
	if prefix == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := st.GetUserByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup user by key prefix: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	hash, err := keyHashForUser(ctx, st, user.ID)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// keyHashLookup is implemented by the sqlite3 store but kept out of the
// public UserStorer interface: nothing outside authn needs the raw hash.
type keyHashLookup interface {
	GetUserKeyHash(ctx context.Context, id string) (string, error)
}

func keyHashForUser(ctx context.Context, st store.UserStorer, id string) (string, error) {
	lookup, ok := st.(keyHashLookup)
	if !ok {
		return "", fmt.Errorf("store does not support key hash lookup")
	}
	return lookup.GetUserKeyHash(ctx, id)
}
