package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore encrypts key into a v3 keystore file at path, creating
// parent directories with 0700 permissions. The file lands atomically:
// geth writes into a scratch directory first and the result is renamed
// over any previous file.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("crypto: prepare keystore dir: %w", err)
	}
	encrypted, err := encryptToScratch(dir, key, passphrase)
	if err != nil {
		return err
	}
	defer os.RemoveAll(filepath.Dir(encrypted))

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("crypto: replace keystore: %w", err)
	}
	if err := os.Rename(encrypted, path); err != nil {
		return fmt.Errorf("crypto: move keystore into place: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// encryptToScratch runs the geth scrypt encryption inside a throwaway
// directory and returns the path of the single file it produced.
func encryptToScratch(dir string, key *PrivateKey, passphrase string) (string, error) {
	scratch, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return "", fmt.Errorf("crypto: scratch dir: %w", err)
	}
	ks := keystore.NewKeyStore(scratch, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		os.RemoveAll(scratch)
		return "", fmt.Errorf("crypto: encrypt key: %w", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil || len(entries) == 0 {
		os.RemoveAll(scratch)
		if err == nil {
			err = errors.New("no keystore file produced")
		}
		return "", fmt.Errorf("crypto: locate keystore file: %w", err)
	}
	return filepath.Join(scratch, entries[0].Name()), nil
}

// GenerateToKeystore creates a fresh participant key, persists it at path and
// returns the key alongside its bech32 address.
func GenerateToKeystore(path, passphrase string) (*PrivateKey, Address, error) {
	key, err := GeneratePrivateKey()
	if err != nil {
		return nil, Address{}, err
	}
	if err := SaveToKeystore(path, key, passphrase); err != nil {
		return nil, Address{}, err
	}
	return key, key.PubKey().Address(), nil
}

// LoadFromKeystore decrypts a v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
