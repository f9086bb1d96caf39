// Encrypted provider-credential store
package service

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/quillchat/quillchat/pkg/utils"
)

const (
	keystoreSaltLen  = 16
	keystoreNonceLen = 24
)

// Credential is a stored provider API key. The key material only exists in
// plaintext inside Resolve's return value; List returns masked entries.
type Credential struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	ApiKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyStore keeps provider credentials in a single file sealed with
// secretbox. The sealing key is derived with scrypt from a passphrase; when
// none is supplied via QUILLCHAT_KEYSTORE_PASSPHRASE, a random secret is
// generated once and kept next to the store with owner-only permissions.
type KeyStore struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// OpenKeyStore opens (or initializes) the credential store at path.
func OpenKeyStore(path string) (*KeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create keystore directory")
	}

	passphrase := os.Getenv("QUILLCHAT_KEYSTORE_PASSPHRASE")
	if passphrase == "" {
		secret, err := loadOrCreateSecret(filepath.Join(filepath.Dir(path), ".keystore_secret"))
		if err != nil {
			return nil, err
		}
		passphrase = secret
	}

	salt, err := loadOrCreateSalt(path + ".salt")
	if err != nil {
		return nil, err
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive keystore key")
	}

	ks := &KeyStore{path: path}
	copy(ks.key[:], derived)

	// Verify we can read the existing store with the derived key.
	if _, err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

// DefaultKeyStorePath returns ~/.quillchat/credentials.enc.
func DefaultKeyStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.enc"
	}
	return filepath.Join(home, ".quillchat", "credentials.enc")
}

// List returns all credentials with the key material masked.
func (k *KeyStore) List() ([]Credential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	creds, err := k.load()
	if err != nil {
		return nil, err
	}
	out := make([]Credential, len(creds))
	for i, c := range creds {
		c.ApiKey = utils.MaskSensitiveString(c.ApiKey)
		out[i] = c
	}
	return out, nil
}

// Put stores a credential, assigning an id if absent. Returns the stored id.
func (k *KeyStore) Put(cred Credential) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	creds, err := k.load()
	if err != nil {
		return "", err
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	replaced := false
	for i, c := range creds {
		if c.ID == cred.ID {
			creds[i] = cred
			replaced = true
			break
		}
	}
	if !replaced {
		creds = append(creds, cred)
	}
	if err := k.save(creds); err != nil {
		return "", err
	}
	return cred.ID, nil
}

// Delete removes a credential by id. Deleting an unknown id is a no-op.
func (k *KeyStore) Delete(id string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	creds, err := k.load()
	if err != nil {
		return err
	}
	kept := creds[:0]
	for _, c := range creds {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	return k.save(kept)
}

// Resolve returns the decrypted API key for a credential id.
func (k *KeyStore) Resolve(id string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	creds, err := k.load()
	if err != nil {
		return "", err
	}
	for _, c := range creds {
		if c.ID == id {
			return c.ApiKey, nil
		}
	}
	return "", errors.Errorf("credential not found: %s", id)
}

func (k *KeyStore) load() ([]Credential, error) {
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read keystore")
	}
	if len(raw) < keystoreNonceLen {
		return nil, errors.New("keystore file is corrupt")
	}

	var nonce [keystoreNonceLen]byte
	copy(nonce[:], raw[:keystoreNonceLen])
	plain, ok := secretbox.Open(nil, raw[keystoreNonceLen:], &nonce, &k.key)
	if !ok {
		return nil, errors.New("failed to unseal keystore (wrong passphrase?)")
	}

	var creds []Credential
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, errors.Wrap(err, "failed to parse keystore")
	}
	return creds, nil
}

func (k *KeyStore) save(creds []Credential) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "failed to encode keystore")
	}

	var nonce [keystoreNonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "failed to generate nonce")
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &k.key)

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(err, "failed to write keystore")
	}
	return os.Rename(tmp, k.path)
}

func loadOrCreateSecret(path string) (string, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return string(raw), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate keystore secret")
	}
	secret := uuid.NewSHA1(uuid.NameSpaceOID, buf).String()
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", errors.Wrap(err, "failed to write keystore secret")
	}
	return secret, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil && len(raw) == keystoreSaltLen {
		return raw, nil
	}
	salt := make([]byte, keystoreSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate keystore salt")
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to write keystore salt")
	}
	return salt, nil
}
