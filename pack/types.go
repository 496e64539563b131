package pack

import (
	"context"
	"io"
)

// Output is a remote object in the process of being created. The
// producer writes a strictly sequential byte stream; implementations
// are free to parallelise the upload internally (multipart and
// friends) as long as Write keeps its sequential contract.
type Output interface {
	io.Writer

	// Close finalises the object. It must not return until the bytes
	// are durable at the destination.
	Close() error

	// Abort abandons the object and cleans up whatever partial state
	// the destination holds for it.
	Abort() error
}

// Input is a completed remote object open for reading. OpenRange may
// be called concurrently from many goroutines.
type Input interface {
	// OpenRange returns a reader over [offset, offset+length) of the
	// object. The returned reader delivers exactly length bytes on
	// success and the caller closes it.
	OpenRange(ctx context.Context, offset, length int64) (io.ReadCloser, error)
}

// Pool runs small CPU or I/O bound tasks for writers and readers. A
// single pool is typically shared by every packed file operation in
// the process so that global parallelism stays bounded. Submit
// schedules fn to run on some worker and returns without waiting for
// it.
//
// When no Pool is injected, operations fall back to a private bounded
// group sized by DefaultTransfers.
type Pool interface {
	Submit(fn func())
}

// KeySource mints and reopens envelope encryption capabilities. A nil
// KeySource in WriterOptions selects the unencrypted format; on the
// read path the file itself decides, and a KeySource is only required
// when the file carries a wrapped key.
type KeySource interface {
	// NewEncryptor draws a fresh data encryption key and wraps it for
	// storage inside the file being written.
	NewEncryptor(ctx context.Context) (Encryptor, error)

	// OpenDecryptor unwraps the stored key so the file's slices can be
	// decrypted. keyID names the wrapping key that was used.
	OpenDecryptor(ctx context.Context, wrappedKey []byte, keyID string) (Decryptor, error)
}

// Encryptor is the write-side capability for one file. Encrypt is
// called concurrently from pool workers and must not share mutable
// state between calls.
type Encryptor interface {
	// WrappedKey is the encrypted data encryption key to store in the
	// directory table.
	WrappedKey() []byte

	// KeyID names the wrapping key, stored alongside the wrapped key
	// so readers can find it again.
	KeyID() string

	// Encrypt seals one plaintext slice and returns the ciphertext,
	// whose length may exceed len(plaintext).
	Encrypt(plaintext []byte) ([]byte, error)
}

// Decryptor is the read-side capability for one file. Decrypt is
// called concurrently from pool workers and must not share mutable
// state between calls.
type Decryptor interface {
	// Decrypt opens one ciphertext slice and returns the plaintext.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// EntryFile pairs an entry name with the local path it should be
// written to in ReadEntriesToFiles.
type EntryFile struct {
	Name string
	Path string
}
