package postgres

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"facefinder/internal/domain"
)

// CredentialStore reads encrypted token pairs written by the auth flow.
// Tokens are sealed with AES-256-GCM; the nonce is prepended to the ciphertext.
type CredentialStore struct {
	db   *DB
	aead cipher.AEAD
}

// NewCredentialStore takes the base64-encoded 32 byte key.
func NewCredentialStore(db *DB, encodedKey string) (*CredentialStore, error) {
	aead, err := newAEAD(encodedKey)
	if err != nil {
		return nil, err
	}
	return &CredentialStore{db: db, aead: aead}, nil
}

func (c *CredentialStore) LoadCredential(ctx context.Context, ref string) (domain.Credential, error) {
	var cred domain.Credential
	var access, refresh string
	err := c.db.Pool.QueryRow(ctx, `
		SELECT access_token_enc, refresh_token_enc, expires_at FROM credentials WHERE id = $1
	`, ref).Scan(&access, &refresh, &cred.Expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return cred, domain.ErrNotFound
	}
	if err != nil {
		return cred, err
	}
	if cred.AccessToken, err = open(c.aead, access); err != nil {
		return cred, fmt.Errorf("decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = open(c.aead, refresh); err != nil {
		return cred, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return cred, nil
}

// SaveCredential stores a token pair and returns its reference.
func (c *CredentialStore) SaveCredential(ctx context.Context, sessionID string, cred domain.Credential) (string, error) {
	access, err := seal(c.aead, cred.AccessToken)
	if err != nil {
		return "", err
	}
	refresh, err := seal(c.aead, cred.RefreshToken)
	if err != nil {
		return "", err
	}
	var id string
	err = c.db.Pool.QueryRow(ctx, `
		INSERT INTO credentials (session_id, access_token_enc, refresh_token_enc, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sessionID, access, refresh, cred.Expiry).Scan(&id)
	return id, err
}

func newAEAD(encodedKey string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(aead cipher.AEAD, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
