package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// KeystoreStrength selects the scrypt cost used to encrypt a key file.
type KeystoreStrength int

const (
	// KeystoreStandard is the production scrypt cost.
	KeystoreStandard KeystoreStrength = iota
	// KeystoreLight is fast enough for tests and local development.
	KeystoreLight
)

func (s KeystoreStrength) params() (int, int) {
	if s == KeystoreLight {
		return keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.StandardScryptN, keystore.StandardScryptP
}

// SaveKeystore encrypts key into a v3 keystore file at path. The file is
// written to a scratch directory first and renamed into place so a partially
// written key never replaces a good one.
func SaveKeystore(path string, key *PrivateKey, passphrase string, strength KeystoreStrength) (Address, error) {
	if key == nil {
		return Address{}, errors.New("crypto: nil private key")
	}
	if path == "" {
		return Address{}, errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Address{}, err
	}

	scratch, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return Address{}, err
	}
	defer os.RemoveAll(scratch)

	n, p := strength.params()
	ks := keystore.NewKeyStore(scratch, n, p)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return Address{}, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Address{}, err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return Address{}, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return Address{}, err
	}
	return key.PubKey().Address(), nil
}

// LoadKeystore decrypts the keystore file at path.
func LoadKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
