// Package seal implements envelope encryption for packed index files.
//
// Every file gets its own random data encryption key. The key is
// wrapped under a named key encryption key from a Keyring and stored
// inside the file, so possession of the keyring is enough to read any
// file written with it, and rotating the keyring never rewrites data
// files. Slices are sealed with XChaCha20-Poly1305 under a key derived
// from the data encryption key, each with a fresh random nonce.
//
// The sealed blob layout is one version byte, the 24 byte nonce, then
// ciphertext and tag.
package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/packidx/packidx/pack"
)

// KeySize is the size of every key this package handles.
const KeySize = 32

// SliceOverhead is how much a slice grows when sealed: the version
// byte, the nonce and the authentication tag.
const SliceOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

const blobVersion byte = 1

// sliceKeyInfo domain-separates slice keys from the raw data
// encryption key.
const sliceKeyInfo = "mvsidx slice encryption v1"

var (
	ErrorKeyNotFound    = errors.New("no key with that id in the keyring")
	ErrorBadKeySize     = errors.New("key must be 32 bytes")
	ErrorNoWriteKey     = errors.New("keyring has no write key")
	ErrorBlobTooShort   = errors.New("encrypted blob too short")
	ErrorBadBlobVersion = errors.New("unsupported encrypted blob version")
	ErrorDecryptFailed  = errors.New("failed to authenticate - wrong key or corrupted data")
)

// defaultSalt is used by KeyringFromPassword when no salt is supplied.
var defaultSalt = []byte{0x5c, 0x91, 0x3e, 0xd4, 0x07, 0x66, 0xaa, 0x21, 0xe9, 0x4f, 0x38, 0xc5, 0x1d, 0x8a, 0xf2, 0x60}

// Keyring holds named key encryption keys. One of them is the write
// key that new files are wrapped under; all of them are candidates for
// unwrapping, selected by the key id stored in the file. Configure the
// ring fully before use, it must not change afterwards.
type Keyring struct {
	keys    map[string][]byte
	writeID string
}

// NewKeyring makes an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string][]byte)}
}

// Add registers a key under id. The first key added becomes the write
// key.
func (k *Keyring) Add(id string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key %q is %d bytes: %w", id, len(key), ErrorBadKeySize)
	}
	k.keys[id] = append([]byte(nil), key...)
	if k.writeID == "" {
		k.writeID = id
	}
	return nil
}

// SetWriteKey selects which key new files are wrapped under.
func (k *Keyring) SetWriteKey(id string) error {
	if _, ok := k.keys[id]; !ok {
		return fmt.Errorf("%q: %w", id, ErrorKeyNotFound)
	}
	k.writeID = id
	return nil
}

// KeyringFromPassword derives a keyring with a single key from a
// password using scrypt. An empty salt selects a fixed default, which
// is convenient but makes the password vulnerable to precomputation.
func KeyringFromPassword(id, password, salt string) (*Keyring, error) {
	if password == "" {
		return nil, errors.New("password must not be empty")
	}
	saltBytes := []byte(salt)
	if salt == "" {
		saltBytes = defaultSalt
	}
	key, err := scrypt.Key([]byte(password), saltBytes, 16384, 8, 1, KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key from password: %w", err)
	}
	k := NewKeyring()
	if err := k.Add(id, key); err != nil {
		return nil, err
	}
	return k, nil
}

// NewEncryptor draws a fresh data encryption key, wraps it under the
// write key and returns the sealing capability for one file.
func (k *Keyring) NewEncryptor(ctx context.Context) (pack.Encryptor, error) {
	if k.writeID == "" {
		return nil, ErrorNoWriteKey
	}
	kek := k.keys[k.writeID]
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("failed to draw data encryption key: %w", err)
	}
	wrapped, err := sealBlob(kek, dek, []byte(k.writeID))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data encryption key: %w", err)
	}
	sliceKey, err := deriveSliceKey(dek)
	if err != nil {
		return nil, err
	}
	return &Encryptor{wrapped: wrapped, keyID: k.writeID, sliceKey: sliceKey}, nil
}

// OpenDecryptor unwraps a stored data encryption key with the keyring
// key named by keyID and returns the opening capability for one file.
func (k *Keyring) OpenDecryptor(ctx context.Context, wrappedKey []byte, keyID string) (pack.Decryptor, error) {
	kek, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", keyID, ErrorKeyNotFound)
	}
	dek, err := openBlob(kek, wrappedKey, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data encryption key: %w", err)
	}
	if len(dek) != KeySize {
		return nil, fmt.Errorf("unwrapped key is %d bytes: %w", len(dek), ErrorBadKeySize)
	}
	sliceKey, err := deriveSliceKey(dek)
	if err != nil {
		return nil, err
	}
	return &Decryptor{sliceKey: sliceKey}, nil
}

// Encryptor seals slices for one file.
type Encryptor struct {
	wrapped  []byte
	keyID    string
	sliceKey []byte
}

// WrappedKey returns the wrapped data encryption key for storage in
// the file. Callers must treat it as read only.
func (e *Encryptor) WrappedKey() []byte {
	return e.wrapped
}

// KeyID names the wrapping key.
func (e *Encryptor) KeyID() string {
	return e.keyID
}

// Encrypt seals one plaintext slice. The cipher state is built fresh
// per call, so calls may run concurrently on pool workers.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	return sealBlob(e.sliceKey, plaintext, nil)
}

// Decryptor opens slices of one file.
type Decryptor struct {
	sliceKey []byte
}

// Decrypt opens one sealed slice. The cipher state is built fresh per
// call, so calls may run concurrently on pool workers.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	return openBlob(d.sliceKey, ciphertext, nil)
}

// deriveSliceKey expands a data encryption key into the slice sealing
// key.
func deriveSliceKey(dek []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dek, nil, []byte(sliceKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive slice key: %w", err)
	}
	return key, nil
}

// sealBlob seals plaintext into the versioned blob layout. The version
// byte and ad are authenticated along with the ciphertext.
func sealBlob(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = blobVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, append([]byte{blobVersion}, ad...)), nil
}

// openBlob reverses sealBlob.
func openBlob(key, blob, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%d bytes: %w", len(blob), ErrorBlobTooShort)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("version %d: %w", blob[0], ErrorBadBlobVersion)
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	ct := blob[1+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, append([]byte{blobVersion}, ad...))
	if err != nil {
		return nil, ErrorDecryptFailed
	}
	return plaintext, nil
}
