// Package oauthflow drives the per-provider OAuth authorization-code dance:
// start issues a state nonce tied to the admin session and redirects to the
// provider, callback validates the state, exchanges the code, and persists
// the resulting tokens as a ProviderAccount. Token exchange and refresh go
// through golang.org/x/oauth2.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatehouse/internal/crypto"
	"github.com/rakunlabs/gatehouse/internal/store"
)

var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	ErrInvalidState    = errors.New("invalid or expired oauth state")
	ErrProviderGone    = errors.New("provider was deleted during authorization")
)

// stateTTL bounds how long a start-issued state nonce remains redeemable.
const stateTTL = 10 * time.Minute

// Endpoint describes how to run the authorization-code flow for one kind of
// upstream provider (e.g. "anthropic", "openai", "gemini").
type Endpoint struct {
	Kind     string
	Config   oauth2.Config
	Identify func(ctx context.Context, token *oauth2.Token) (email string, err error)
}

// Registry maps provider kind to its OAuth endpoint configuration.
type Registry struct {
	endpoints map[string]Endpoint
}

func NewRegistry(endpoints ...Endpoint) *Registry {
	r := &Registry{endpoints: make(map[string]Endpoint, len(endpoints))}
	for _, e := range endpoints {
		r.endpoints[e.Kind] = e
	}
	return r
}

func (r *Registry) lookup(kind string) (Endpoint, error) {
	ep, ok := r.endpoints[kind]
	if !ok {
		return Endpoint{}, ErrUnknownProvider
	}
	return ep, nil
}

// Flow wires a Registry to the store and encryption key.
type Flow struct {
	registry *Registry
	store    interface {
		store.SessionStorer
		store.ProviderStorer
	}
	encKey []byte
	onSave func(ctx context.Context) // typically providermgr's reload hook
}

func New(registry *Registry, st interface {
	store.SessionStorer
	store.ProviderStorer
}, encKey []byte, onSave func(ctx context.Context)) *Flow {
	return &Flow{registry: registry, store: st, encKey: encKey, onSave: onSave}
}

// Start begins the authorization-code flow for kind, binding a fresh state
// nonce to sessionID, and returns the provider redirect URL. If a provider
// row for kind already exists its id is pinned into the state so the
// callback can tell "deleted mid-flow" apart from "first authorization for
// this kind".
func (f *Flow) Start(ctx context.Context, kind, sessionID string) (string, error) {
	ep, err := f.registry.lookup(kind)
	if err != nil {
		return "", err
	}

	state, err := newState()
	if err != nil {
		return "", err
	}

	providerID := ""
	if p, err := f.store.GetProviderByName(ctx, kind); err != nil {
		return "", fmt.Errorf("load provider %q: %w", kind, err)
	} else if p != nil {
		providerID = p.ID
	}

	if _, err := f.store.CreateOAuthState(ctx, store.OAuthState{
		State:      state,
		Provider:   kind,
		ProviderID: providerID,
		SessionID:  sessionID,
		ExpiresAt:  time.Now().UTC().Add(stateTTL),
	}); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	return ep.Config.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Callback validates the returned state, exchanges code for tokens, and
// upserts a ProviderAccount. The state must have been issued by a session
// that is still live, and — when the browser presents a session cookie on
// the callback — by that same session, so one admin's callback can never
// redeem a state another admin started. A provider that existed at Start
// but was administratively deleted before the callback is rejected with
// ErrProviderGone and the exchanged tokens are discarded, never persisted;
// a kind with no provider row at Start gets one registered implicitly on
// its first successful exchange.
func (f *Flow) Callback(ctx context.Context, kind, code, state, callerSessionID string) (*store.ProviderAccount, error) {
	ep, err := f.registry.lookup(kind)
	if err != nil {
		return nil, err
	}

	saved, err := f.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	if saved == nil || saved.Provider != kind || saved.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidState
	}
	if callerSessionID != "" && callerSessionID != saved.SessionID {
		return nil, ErrInvalidState
	}

	owner, err := f.store.GetSession(ctx, saved.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load issuing session: %w", err)
	}
	if owner == nil || owner.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidState
	}

	var provider *store.Provider
	if saved.ProviderID != "" {
		provider, err = f.store.GetProvider(ctx, saved.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("load provider %q: %w", saved.ProviderID, err)
		}
		if provider == nil {
			return nil, ErrProviderGone
		}
	}

	token, err := ep.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	var email string
	if ep.Identify != nil {
		email, err = ep.Identify(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("identify account: %w", err)
		}
	}

	if provider == nil {
		provider, err = f.registerProvider(ctx, kind)
		if err != nil {
			return nil, err
		}
	}

	enc, err := crypto.EncryptTokenPair(tokenPairFromOAuth2(token), f.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt token pair: %w", err)
	}

	account, err := f.upsertAccount(ctx, provider.ID, email, enc, token.Expiry)
	if err != nil {
		return nil, err
	}

	if f.onSave != nil {
		f.onSave(ctx)
	}

	return account, nil
}

// registerProvider creates the provider row for a kind authorized for the
// first time, tolerating a concurrent registration (an explicit
// POST /api/providers racing the callback) by re-reading on conflict.
func (f *Flow) registerProvider(ctx context.Context, kind string) (*store.Provider, error) {
	created, err := f.store.CreateProvider(ctx, store.Provider{
		Name:    kind,
		Kind:    "oauth",
		Enabled: true,
	})
	if err == nil {
		return created, nil
	}

	existing, lookupErr := f.store.GetProviderByName(ctx, kind)
	if lookupErr == nil && existing != nil {
		return existing, nil
	}
	return nil, fmt.Errorf("register provider %q: %w", kind, err)
}

func (f *Flow) upsertAccount(ctx context.Context, providerID, email, encTokens string, expiresAt time.Time) (*store.ProviderAccount, error) {
	existing, err := f.store.ListProviderAccounts(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("list provider accounts: %w", err)
	}

	for _, a := range existing {
		if email != "" && a.Email == email {
			if err := f.store.UpdateProviderAccountTokens(ctx, a.ID, encTokens, nullableExpiry(expiresAt)); err != nil {
				return nil, fmt.Errorf("update provider account tokens: %w", err)
			}
			if err := f.store.UpdateProviderAccountStatus(ctx, a.ID, "active"); err != nil {
				return nil, fmt.Errorf("activate provider account: %w", err)
			}
			return f.store.GetProviderAccount(ctx, a.ID)
		}
	}

	return f.store.CreateProviderAccount(ctx, store.ProviderAccount{
		ProviderID: providerID,
		Email:      email,
		EncTokens:  encTokens,
		Status:     "active",
		ExpiresAt:  nullableExpiry(expiresAt),
	})
}

// nullableExpiry maps oauth2's zero-Expiry convention ("provider didn't
// say") onto a null column rather than storing year-one timestamps.
func nullableExpiry(t time.Time) types.Null[types.Time] {
	if t.IsZero() {
		return types.Null[types.Time]{}
	}
	return types.NewTimeNull(t.UTC())
}

// Refresh exchanges a ProviderAccount's stored refresh token for a new
// access token, called by the gateway on a sidecar-reported 401. On
// success the account row is updated in place; on failure the account is
// marked expired and the caller sees PROVIDER_ERROR.
func (f *Flow) Refresh(ctx context.Context, kind string, account store.ProviderAccount) (*store.ProviderAccount, error) {
	ep, err := f.registry.lookup(kind)
	if err != nil {
		return nil, err
	}

	pair, err := crypto.DecryptTokenPair(account.EncTokens, f.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt token pair: %w", err)
	}
	if pair.RefreshToken == "" {
		_ = f.store.UpdateProviderAccountStatus(ctx, account.ID, "expired")
		return nil, fmt.Errorf("no refresh token on account %q", account.ID)
	}

	src := ep.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: pair.RefreshToken})
	token, err := src.Token()
	if err != nil {
		_ = f.store.UpdateProviderAccountStatus(ctx, account.ID, "expired")
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	enc, err := crypto.EncryptTokenPair(tokenPairFromOAuth2(token), f.encKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt refreshed token pair: %w", err)
	}

	if err := f.store.UpdateProviderAccountTokens(ctx, account.ID, enc, nullableExpiry(token.Expiry)); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	return f.store.GetProviderAccount(ctx, account.ID)
}

// RefreshActiveAccount is the gateway-facing entry point for the on-provider-
// 401-during-forwarding path: it refreshes every active
// ProviderAccount under kind until one succeeds, returning true as soon as
// at least one account's token was renewed. Accounts whose refresh fails are
// left marked expired by Refresh so a subsequent health-check surfaces them.
func (f *Flow) RefreshActiveAccount(ctx context.Context, kind string) bool {
	provider, err := f.store.GetProviderByName(ctx, kind)
	if err != nil || provider == nil {
		return false
	}

	accounts, err := f.store.ListProviderAccounts(ctx, provider.ID)
	if err != nil {
		return false
	}

	refreshed := false
	for _, a := range accounts {
		if a.Status != "active" {
			continue
		}
		if _, err := f.Refresh(ctx, kind, a); err == nil {
			refreshed = true
		}
	}
	return refreshed
}

func tokenPairFromOAuth2(t *oauth2.Token) crypto.TokenPair {
	return crypto.TokenPair{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry.Unix(),
	}
}

func newState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
