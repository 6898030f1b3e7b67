// Package auth guards the dashboard API with a static credential table and
// short-lived HS256 session tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

var errNoCredentials = errors.New("auth: at least one user must be configured")

const bcryptPrefix = "$2"

// Credentials is the static login table. Secrets are bcrypt hashes or, for local
// setups, plain passwords.
type Credentials struct {
	secrets map[string]string
}

// NewCredentials copies users into a lookup table. Usernames are case-insensitive, since
// configuration keys arrive lowercased. Blank usernames are ignored.
func NewCredentials(users map[string]string) (*Credentials, error) {
	secrets := make(map[string]string, len(users))
	for username, secret := range users {
		username = normalizeUsername(username)
		if username == "" || secret == "" {
			continue
		}
		secrets[username] = secret
	}
	if len(secrets) == 0 {
		return nil, errNoCredentials
	}
	return &Credentials{secrets: secrets}, nil
}

// Verify checks password for username.
func (c *Credentials) Verify(username, password string) error {
	secret, ok := c.secrets[normalizeUsername(username)]
	if !ok || password == "" {
		return ErrInvalidCredentials
	}
	if strings.HasPrefix(secret, bcryptPrefix) {
		if err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)); err != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Users reports how many users are configured.
func (c *Credentials) Users() int {
	return len(c.secrets)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
