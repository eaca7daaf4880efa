package storestate

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/value"
)

const (
	pbkdf2Iterations = 100000
	aesKeyLength     = 32
	saltLength       = 16
)

// EncryptedFileStore wraps a Store, encrypting only the value payload at
// rest with AES-GCM using a key derived from a passphrase via
// PBKDF2-SHA256. Origin, clock and timestamp stay in plaintext: the
// replication engine and anti-entropy need to read them without the
// passphrase, and they carry no confidential content of their own. A fresh
// random salt accompanies every ciphertext so the passphrase is never
// reused across entries with the same key.
type EncryptedFileStore struct {
	inner      Store
	passphrase string
}

// NewEncryptedFileStore wraps inner with at-rest encryption of stored
// values, keyed by passphrase.
func NewEncryptedFileStore(inner Store, passphrase string) *EncryptedFileStore {
	return &EncryptedFileStore{inner: inner, passphrase: passphrase}
}

type envelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

func (e *EncryptedFileStore) deriveKey(salt []byte) []byte {
	return pbkdf2.Key([]byte(e.passphrase), salt, pbkdf2Iterations, aesKeyLength, sha256.New)
}

func (e *EncryptedFileStore) sealValue(v value.Value) (value.Value, error) {
	plain, err := v.MarshalJSON()
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: marshal value: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return value.Value{}, fmt.Errorf("storestate: generate salt: %w", err)
	}
	key := e.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return value.Value{}, fmt.Errorf("storestate: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	env, err := json.Marshal(envelope{Salt: salt, Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: marshal envelope: %w", err)
	}
	return value.String(string(env)), nil
}

func (e *EncryptedFileStore) openValue(sealed value.Value) (value.Value, error) {
	var env envelope
	if err := json.Unmarshal([]byte(sealed.String()), &env); err != nil {
		return value.Value{}, fmt.Errorf("storestate: unmarshal envelope: %w", err)
	}
	key := e.deriveKey(env.Salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: new gcm: %w", err)
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return value.Value{}, fmt.Errorf("storestate: decrypt: %w", err)
	}

	var v value.Value
	if err := v.UnmarshalJSON(plain); err != nil {
		return value.Value{}, fmt.Errorf("storestate: unmarshal decrypted value: %w", err)
	}
	return v, nil
}

func (e *EncryptedFileStore) Get(ctx context.Context, path model.Path) (model.VersionedValue, bool, error) {
	stored, ok, err := e.inner.Get(ctx, path)
	if err != nil || !ok {
		return model.VersionedValue{}, ok, err
	}
	opened, err := e.openValue(stored.Value)
	if err != nil {
		return model.VersionedValue{}, false, err
	}
	stored.Value = opened
	return stored, true, nil
}

func (e *EncryptedFileStore) Put(ctx context.Context, path model.Path, vv model.VersionedValue) error {
	sealed, err := e.sealValue(vv.Value)
	if err != nil {
		return err
	}
	toStore := vv
	toStore.Value = sealed
	return e.inner.Put(ctx, path, toStore)
}

func (e *EncryptedFileStore) Del(ctx context.Context, path model.Path) error {
	return e.inner.Del(ctx, path)
}

func (e *EncryptedFileStore) Scan(ctx context.Context, prefix model.Path) ([]Entry, error) {
	rawEntries, err := e.inner.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rawEntries))
	for _, re := range rawEntries {
		opened, err := e.openValue(re.Value.Value)
		if err != nil {
			return nil, err
		}
		re.Value.Value = opened
		out = append(out, re)
	}
	return out, nil
}

func (e *EncryptedFileStore) Close() error { return e.inner.Close() }
