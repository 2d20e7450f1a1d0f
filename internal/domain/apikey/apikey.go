// Package apikey defines API key records for the HTTP boundary.
package apikey

import "time"

// Key is a stored API key. The secret is kept only as a bcrypt hash; the
// plaintext is shown once at creation.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
