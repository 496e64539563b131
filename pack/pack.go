// Package pack implements the packed index container format: a single
// remote object holding a complete index artifact as a set of named
// byte entries, with a JSON directory table, a reserved meta entry and
// a fixed-size footer at the tail.
//
// Index implementations drive a Writer through WriteEntry calls, one
// SetMeta and one Finish, producing exactly one object. Readers
// bootstrap from the object's tail and serve entries through cached
// small reads or concurrent ranged reads, decrypting and verifying
// checksums transparently. The format is write once, read many: there
// is no entry-level update or delete, and replacing content means
// writing a new file.
//
// Transport, encryption and scheduling are collaborator capabilities
// (Output, Input, KeySource, Pool) injected by the caller; the package
// owns none of them.
package pack

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Format constants. The magic is the first 8 bytes of every packed
// file and the footer is always the last FooterSize bytes.
const (
	// Magic identifies format revision 3. Callers route between this
	// format and older ones by an externally supplied version number;
	// nothing here sniffs file content to pick a compatibility mode.
	Magic = "MVSIDXV3"

	// MagicSize is the length of Magic in bytes.
	MagicSize = 8

	// FormatVersion is the format revision written to the footer. It
	// is what an external version number must equal for a file to be
	// produced or consumed by this package.
	FormatVersion = 3

	// FooterSize is the fixed size of the trailer.
	FooterSize = 32

	// MetaEntryName is the reserved name of the file level metadata
	// entry. It is always the physically last entry in the data
	// region and cannot be written through WriteEntry.
	MetaEntryName = "__meta__"

	// FileNamePrefix starts every packed index file name; the rest of
	// the name is the lower cased index type tag.
	FileNamePrefix = "mvsidx_"
)

// Default tunables. All of them are per-call options on
// WriterOptions/ReaderOptions; none are part of the on-disk format.
const (
	// DefaultChunkSize is the unit for streaming file handles through
	// WriteEntryFrom and for self-partitioning large unencrypted
	// entries on the read path.
	DefaultChunkSize = 16 * 1024 * 1024

	// DefaultSliceSize is the plaintext slice size for encrypted
	// files. Slices exist only so each can be encrypted and decrypted
	// independently and in parallel.
	DefaultSliceSize = 16 * 1024 * 1024

	// DefaultTailReadSize bounds the tail read Open uses to bootstrap
	// the footer, directory table and meta entry.
	DefaultTailReadSize = 64 * 1024

	// DefaultSmallEntrySize is the plaintext size at or below which an
	// entry is fetched with a single ranged read and cached for the
	// rest of the Reader session.
	DefaultSmallEntrySize = 1 * 1024 * 1024

	// DefaultEncryptWindow is the number of slice encryption tasks a
	// writer keeps in flight.
	DefaultEncryptWindow = 8

	// DefaultTransfers bounds the fallback concurrency used when no
	// Pool is injected.
	DefaultTransfers = 4
)

// Errors returned by this package. Wrapped errors carry the entry name
// and offsets; match with errors.Is.
var (
	ErrorBadMagic         = errors.New("not a packed index file - bad magic")
	ErrorBadVersion       = errors.New("unsupported packed index format version")
	ErrorFooterTooShort   = errors.New("file too short to hold a packed index footer")
	ErrorDuplicateEntry   = errors.New("duplicate entry name")
	ErrorReservedName     = errors.New("entry name is reserved")
	ErrorEntryNotFound    = errors.New("entry not found")
	ErrorChecksumMismatch = errors.New("entry failed checksum verification")
	ErrorWriterFinished   = errors.New("writer already finished")
	ErrorNoKeySource      = errors.New("file is encrypted but no key source was provided")
)

// FileName returns the canonical object name for an index artifact of
// the given type tag, e.g. FileName("HNSW") == "mvsidx_hnsw".
func FileName(indexType string) string {
	return FileNamePrefix + strings.ToLower(indexType)
}

// IsPackedFileName reports whether the base name of p looks like a
// packed index file. It inspects the name only, never file content.
func IsPackedFileName(p string) bool {
	return strings.HasPrefix(path.Base(p), FileNamePrefix)
}

// SinglePackedFile returns the one packed index file among paths. A
// load takes exactly one packed file; zero or several candidates fail
// here, before any I/O happens.
func SinglePackedFile(paths []string) (string, error) {
	var found []string
	for _, p := range paths {
		if IsPackedFileName(p) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", fmt.Errorf("no packed index file among %d files", len(paths))
	default:
		return "", fmt.Errorf("expected exactly one packed index file, found %d: %q", len(found), found)
	}
}
