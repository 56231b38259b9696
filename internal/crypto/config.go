package crypto

import (
	"encoding/json"
	"fmt"
)

// TokenPair holds the OAuth credentials for a single provider account.
// Only this package ever sees it in plaintext form; at rest it lives as a
// single encrypted JSON blob in gh_provider_accounts.enc_tokens.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds, 0 if unknown
}

// EncryptTokenPair marshals a TokenPair to JSON and encrypts it, producing
// the value stored in gh_provider_accounts.enc_tokens.
func EncryptTokenPair(pair TokenPair, key []byte) (string, error) {
	raw, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("marshal token pair: %w", err)
	}

	enc, err := Encrypt(string(raw), key)
	if err != nil {
		return "", fmt.Errorf("encrypt token pair: %w", err)
	}

	return enc, nil
}

// DecryptTokenPair reverses EncryptTokenPair. It also accepts a plaintext
// JSON blob (no "enc:" prefix) so accounts seeded before encryption was
// configured still decode.
func DecryptTokenPair(value string, key []byte) (TokenPair, error) {
	var pair TokenPair

	raw, err := Decrypt(value, key)
	if err != nil {
		return pair, fmt.Errorf("decrypt token pair: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return pair, fmt.Errorf("unmarshal token pair: %w", err)
	}

	return pair, nil
}
