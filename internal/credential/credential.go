// Package credential holds the single username/password pair the relay
// accepts and checks callers against it.
package credential

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/bcrypt"

	"github.com/nhle/mailrelay/internal/model"
)

// Credentials is the accepted username and the bcrypt hash of the
// accepted password.
type Credentials struct {
	Username     string
	PasswordHash string
}

// Verify reports whether username and password match. Both comparisons
// always run so that a wrong username costs as much as a wrong password.
func (c Credentials) Verify(username, password string) bool {
	userOK := c.Username != "" &&
		subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1

	passErr := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password))

	return userOK && passErr == nil
}

// HashPassword returns a bcrypt hash of password. A cost of zero selects
// bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}

// Resolve builds Credentials from the auth configuration. When a keyring
// key is configured the hash is read from the keyring opened by open.
func Resolve(
	cfg model.AuthConfig, open func() (keyring.Keyring, error),
) (Credentials, error) {
	creds := Credentials{
		Username:     cfg.Username,
		PasswordHash: cfg.PasswordHash,
	}

	if cfg.KeyringKey != "" {
		ring, err := open()
		if err != nil {
			return Credentials{}, err
		}

		hash, err := LoadHash(ring, cfg.KeyringKey)
		if err != nil {
			return Credentials{}, err
		}
		creds.PasswordHash = hash
	}

	if creds.Username == "" || creds.PasswordHash == "" {
		return Credentials{}, errors.New("no credentials configured")
	}

	if _, err := bcrypt.Cost([]byte(creds.PasswordHash)); err != nil {
		return Credentials{}, fmt.Errorf("invalid password hash: %w", err)
	}

	return creds, nil
}
