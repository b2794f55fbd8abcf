package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	// SecretSize is the size of a generated store secret
	SecretSize = 32

	// KeyFileMode is the file permission for key files (owner read/write only)
	KeyFileMode = 0600

	// KeyDirMode is the permission for directories created for key files
	KeyDirMode = 0700
)

var ErrKeyFileCorrupt = errors.New("key file is corrupt")

// LoadKeyFile reads a hex-encoded store secret.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key file %s", path)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(secret) == 0 {
		return nil, errors.Wrapf(ErrKeyFileCorrupt, "%s", path)
	}
	return secret, nil
}

// LoadOrCreateKeyFile reads the secret at path, generating and saving a new
// random secret if the file does not exist yet.
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	secret, err := LoadKeyFile(path)
	if err == nil {
		return secret, nil
	}
	if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), KeyDirMode); err != nil {
		return nil, errors.Wrap(err, "failed to create key directory")
	}
	secret = make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, errors.Wrap(err, "failed to generate secret")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), KeyFileMode); err != nil {
		return nil, errors.Wrap(err, "failed to write key file")
	}
	return secret, nil
}
