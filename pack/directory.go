package pack

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/packidx/packidx/pack/crc"
)

// Slice is one independently encrypted ciphertext range of an entry.
// Offset is relative to the end of the magic, like every offset in the
// directory table.
type Slice struct {
	Offset int64
	Size   int64
}

// Entry describes one named blob in a packed file. Size and CRC always
// refer to the plaintext, whatever the storage mode. In an unencrypted
// file the bytes live at [Offset, Offset+Size) of the data region; in
// an encrypted file they are sealed into Slices and Offset is unused.
type Entry struct {
	Name   string
	Size   int64
	CRC    uint32
	Offset int64
	Slices []Slice
}

// storedSpan returns the start and length of the entry's bytes in the
// data region as stored, i.e. ciphertext extents for encrypted files.
// An entry's slices are laid out contiguously in write order, so the
// span is a single range in both modes.
func (e *Entry) storedSpan() (start, length int64) {
	if e.Slices == nil {
		return e.Offset, e.Size
	}
	if len(e.Slices) == 0 {
		return 0, 0
	}
	first := e.Slices[0]
	last := e.Slices[len(e.Slices)-1]
	return first.Offset, last.Offset + last.Size - first.Offset
}

// directory is the in-memory form of the directory table. Entries keep
// file order, with the meta entry last once the writer has finished.
type directory struct {
	entries []*Entry
	byName  map[string]*Entry

	// encrypted layout only
	sliceSize  int64
	wrappedKey []byte
	keyID      string
}

func newDirectory() *directory {
	return &directory{byName: make(map[string]*Entry)}
}

// encrypted reports whether the directory describes an encrypted file.
// The stored wrapped key is the only discriminator; file size or name
// say nothing about the mode.
func (d *directory) encrypted() bool {
	return d.wrappedKey != nil
}

func (d *directory) add(e *Entry) error {
	if _, ok := d.byName[e.Name]; ok {
		return fmt.Errorf("%q: %w", e.Name, ErrorDuplicateEntry)
	}
	d.entries = append(d.entries, e)
	d.byName[e.Name] = e
	return nil
}

func (d *directory) lookup(name string) (*Entry, bool) {
	e, ok := d.byName[name]
	return e, ok
}

// Wire form of the directory table. Two JSON layouts share the file
// position; readers discriminate by the presence of the wrapped key
// field, so it must never be emitted empty.
type wireSlice struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

type wirePlainEntry struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	CRC    string `json:"crc32"`
}

type wirePlainDirectory struct {
	Entries []wirePlainEntry `json:"entries"`
}

type wireEncEntry struct {
	Name         string      `json:"name"`
	OriginalSize int64       `json:"original_size"`
	CRC          string      `json:"crc32"`
	Slices       []wireSlice `json:"slices"`
}

type wireEncDirectory struct {
	SliceSize int64          `json:"slice_size"`
	Entries   []wireEncEntry `json:"entries"`
	EDEK      string         `json:"__edek__"`
	KeyID     string         `json:"__ez_id__"`
}

func (d *directory) encode() ([]byte, error) {
	if !d.encrypted() {
		w := wirePlainDirectory{Entries: make([]wirePlainEntry, 0, len(d.entries))}
		for _, e := range d.entries {
			w.Entries = append(w.Entries, wirePlainEntry{
				Name:   e.Name,
				Offset: e.Offset,
				Size:   e.Size,
				CRC:    crc.FormatHex(e.CRC),
			})
		}
		return json.Marshal(w)
	}
	w := wireEncDirectory{
		SliceSize: d.sliceSize,
		Entries:   make([]wireEncEntry, 0, len(d.entries)),
		EDEK:      base64.StdEncoding.EncodeToString(d.wrappedKey),
		KeyID:     d.keyID,
	}
	for _, e := range d.entries {
		we := wireEncEntry{
			Name:         e.Name,
			OriginalSize: e.Size,
			CRC:          crc.FormatHex(e.CRC),
			Slices:       make([]wireSlice, 0, len(e.Slices)),
		}
		for _, s := range e.Slices {
			we.Slices = append(we.Slices, wireSlice{Offset: s.Offset, Size: s.Size})
		}
		w.Entries = append(w.Entries, we)
	}
	return json.Marshal(w)
}

// decodeDirectory parses the directory table. dataSize is the length
// of the data region the table describes; every placement it claims is
// checked against it, since the read paths size buffers and index them
// straight from these numbers.
func decodeDirectory(buf []byte, dataSize int64) (*directory, error) {
	// Probe for the wrapped key field before committing to a layout.
	var probe struct {
		EDEK *string `json:"__edek__"`
	}
	if err := json.Unmarshal(buf, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse directory table: %w", err)
	}
	d := newDirectory()
	if probe.EDEK == nil {
		var w wirePlainDirectory
		if err := json.Unmarshal(buf, &w); err != nil {
			return nil, fmt.Errorf("failed to parse directory table: %w", err)
		}
		for _, we := range w.Entries {
			sum, err := crc.ParseHex(we.CRC)
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", we.Name, err)
			}
			if we.Offset < 0 || we.Size < 0 || we.Size > dataSize-we.Offset {
				return nil, fmt.Errorf("entry %q: offset %d size %d outside the %d byte data region", we.Name, we.Offset, we.Size, dataSize)
			}
			e := &Entry{Name: we.Name, Offset: we.Offset, Size: we.Size, CRC: sum}
			if err := d.add(e); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	var w wireEncDirectory
	if err := json.Unmarshal(buf, &w); err != nil {
		return nil, fmt.Errorf("failed to parse directory table: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(w.EDEK)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	d.sliceSize = w.SliceSize
	d.wrappedKey = wrapped
	d.keyID = w.KeyID
	if d.sliceSize <= 0 {
		return nil, fmt.Errorf("invalid slice size %d in directory table", d.sliceSize)
	}
	for _, we := range w.Entries {
		sum, err := crc.ParseHex(we.CRC)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", we.Name, err)
		}
		e := &Entry{
			Name:   we.Name,
			Size:   we.OriginalSize,
			CRC:    sum,
			Slices: make([]Slice, 0, len(we.Slices)),
		}
		for _, ws := range we.Slices {
			e.Slices = append(e.Slices, Slice{Offset: ws.Offset, Size: ws.Size})
		}
		if err := checkSlices(e, d.sliceSize, dataSize); err != nil {
			return nil, err
		}
		if err := d.add(e); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// checkSlices rejects slice placements the writer cannot have
// produced: slices must sit back to back inside the data region and
// their count must match the plaintext size. The readers index buffers
// by these offsets, so a forged table has to fail here instead of
// reaching them.
func checkSlices(e *Entry, sliceSize, dataSize int64) error {
	if e.Size < 0 {
		return fmt.Errorf("entry %q: negative size %d", e.Name, e.Size)
	}
	want := e.Size / sliceSize
	if e.Size%sliceSize != 0 {
		want++
	}
	if int64(len(e.Slices)) != want {
		return fmt.Errorf("entry %q: %d slices for %d bytes at slice size %d, want %d", e.Name, len(e.Slices), e.Size, sliceSize, want)
	}
	var next int64
	for i, s := range e.Slices {
		if s.Offset < 0 || s.Size < 0 || s.Size > dataSize-s.Offset {
			return fmt.Errorf("entry %q: slice %d offset %d size %d outside the %d byte data region", e.Name, i, s.Offset, s.Size, dataSize)
		}
		if i > 0 && s.Offset != next {
			return fmt.Errorf("entry %q: slice %d at offset %d, want %d", e.Name, i, s.Offset, next)
		}
		next = s.Offset + s.Size
	}
	// Sealing never shrinks a slice, so the plaintext cannot be larger
	// than the stored bytes.
	if _, length := e.storedSpan(); e.Size > length {
		return fmt.Errorf("entry %q: %d plaintext bytes in a %d byte stored span", e.Name, e.Size, length)
	}
	return nil
}
