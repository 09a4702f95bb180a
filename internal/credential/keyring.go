package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailrelay"

// OpenKeyring returns a configured keyring instance.
func OpenKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailrelay/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailrelay-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// LoadHash retrieves a password hash by key from the keyring.
func LoadHash(ring keyring.Keyring, key string) (string, error) {
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting password hash %q: %w", key, err)
	}

	return string(item.Data), nil
}

// StoreHash stores a password hash by key in the keyring.
func StoreHash(ring keyring.Keyring, key string, hash string) error {
	err := ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(hash),
		Label:       "mailrelay password hash",
		Description: "bcrypt hash of the password accepted by mailrelay",
	})
	if err != nil {
		return fmt.Errorf("setting password hash %q: %w", key, err)
	}

	return nil
}
