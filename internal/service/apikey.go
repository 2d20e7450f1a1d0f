package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/specgate/specgate/internal/domain/apikey"
	"github.com/specgate/specgate/internal/port/database"
)

// ErrInvalidAPIKey is returned for any credential that does not verify.
// Deliberately indistinguishable between unknown id and wrong secret.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyService creates and verifies API keys. Tokens have the form
// "sg_<id>.<secret>"; only a bcrypt hash of the secret is stored.
type APIKeyService struct {
	store database.Store
}

// NewAPIKeyService creates an APIKeyService.
func NewAPIKeyService(store database.Store) *APIKeyService {
	return &APIKeyService{store: store}
}

// Create mints a new API key and returns the record plus the plaintext
// token, which is shown exactly once.
func (s *APIKeyService) Create(ctx context.Context, name string) (*apikey.Key, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", errors.New("name is required")
	}

	id, err := randomHex(8)
	if err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, "", fmt.Errorf("generate key secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash secret: %w", err)
	}

	k := &apikey.Key{
		ID:         id,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}

	return k, "sg_" + id + "." + secret, nil
}

// Verify checks a presented token and touches the key's last-used timestamp.
func (s *APIKeyService) Verify(ctx context.Context, token string) (*apikey.Key, error) {
	rest, ok := strings.CutPrefix(token, "sg_")
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	id, secret, ok := strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}

	k, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(k.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	if err := s.store.TouchAPIKey(ctx, id); err != nil {
		// Verification stands even if the bookkeeping write fails.
		return k, nil
	}
	return k, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
