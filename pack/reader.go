package pack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/packidx/packidx/lib/pool"
	"github.com/packidx/packidx/pack/crc"
)

// Reader serves entries from one completed packed file. It is safe for
// concurrent use: the directory is immutable after Open and every read
// fans out on its own set of tasks.
type Reader struct {
	in   Input
	size int64
	opt  ReaderOptions
	dir  *directory
	dec  Decryptor

	// stored bytes of the meta entry captured from the bootstrap tail
	// read, so Meta never costs another ranged read in the common case
	metaStored []byte

	bufs *pool.Pool // ciphertext slice buffers, encrypted files only

	mu    sync.Mutex
	cache map[string][]byte
}

// Open bootstraps a Reader from the tail of a completed object of the
// given size. It validates the magic, then reads the last TailReadSize
// bytes, which normally contain footer, directory table and meta entry
// all at once; only an oversized directory or meta entry costs one
// further ranged read. Whether the file is encrypted is decided solely
// by the wrapped key stored in its directory table.
func Open(ctx context.Context, in Input, size int64, opt ReaderOptions) (*Reader, error) {
	opt.setDefaults()
	if size < MagicSize+FooterSize {
		return nil, fmt.Errorf("file size %d: %w", size, ErrorFooterTooShort)
	}
	r := &Reader{in: in, size: size, opt: opt, cache: make(map[string][]byte)}

	// Bootstrap: a file no bigger than the tail read is fetched whole,
	// otherwise magic and tail are two ranged reads.
	var tail []byte
	tailStart := size - opt.TailReadSize
	if tailStart <= 0 {
		buf, err := r.readRange(ctx, 0, size)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(buf, []byte(Magic)) {
			return nil, ErrorBadMagic
		}
		tail = buf
		tailStart = 0
	} else {
		magic, err := r.readRange(ctx, 0, MagicSize)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(magic, []byte(Magic)) {
			return nil, ErrorBadMagic
		}
		tail, err = r.readRange(ctx, tailStart, opt.TailReadSize)
		if err != nil {
			return nil, err
		}
	}

	f, err := decodeFooter(tail)
	if err != nil {
		return nil, err
	}
	need := int64(FooterSize) + int64(f.directorySize) + int64(f.metaEntrySize)
	if need > size-MagicSize {
		return nil, fmt.Errorf("footer claims %d byte tables in a %d byte file", need, size)
	}

	// tailData is the last need bytes of the file: meta entry as
	// stored, then directory table, then footer.
	var tailData []byte
	if need <= int64(len(tail)) {
		tailData = tail[int64(len(tail))-need:]
	} else {
		extra, err := r.readRange(ctx, size-need, need-int64(len(tail)))
		if err != nil {
			return nil, err
		}
		tailData = append(extra, tail...)
	}

	metaSize := int64(f.metaEntrySize)
	dataSize := size - MagicSize - int64(FooterSize) - int64(f.directorySize)
	r.dir, err = decodeDirectory(tailData[metaSize : metaSize+int64(f.directorySize)], dataSize)
	if err != nil {
		return nil, err
	}
	r.metaStored = tailData[:metaSize]

	// The footer and the directory both place the meta entry; serving
	// Meta from the bootstrap read relies on them agreeing.
	if me, ok := r.dir.lookup(MetaEntryName); ok {
		start, length := me.storedSpan()
		if length != metaSize || start != dataSize-metaSize {
			return nil, fmt.Errorf("meta entry stored at [%d,%d), footer claims [%d,%d)",
				start, start+length, dataSize-metaSize, dataSize)
		}
	}

	if r.dir.encrypted() {
		if opt.Key == nil {
			return nil, ErrorNoKeySource
		}
		r.dec, err = opt.Key.OpenDecryptor(ctx, r.dir.wrappedKey, r.dir.keyID)
		if err != nil {
			return nil, fmt.Errorf("failed to open decryptor for key %q: %w", r.dir.keyID, err)
		}
		if max := r.maxStoredSlice(); max > 0 {
			r.bufs = pool.New(bufFlushTime, int(max), opt.Transfers)
		}
	}
	Debugf(r, "opened: %d entries, %d bytes, encrypted=%v", len(r.dir.entries)-1, size, r.dir.encrypted())
	return r, nil
}

// String is the log prefix.
func (r *Reader) String() string {
	return "packed reader"
}

// maxStoredSlice returns the largest ciphertext slice in the file,
// which sizes the reader's buffer pool.
func (r *Reader) maxStoredSlice() int64 {
	var max int64
	for _, e := range r.dir.entries {
		for _, s := range e.Slices {
			if s.Size > max {
				max = s.Size
			}
		}
	}
	return max
}

// Size returns the object size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Encrypted reports whether the file stores ciphertext.
func (r *Reader) Encrypted() bool {
	return r.dir.encrypted()
}

// SliceSize returns the plaintext slice size of an encrypted file and
// 0 for an unencrypted one.
func (r *Reader) SliceSize() int64 {
	return r.dir.sliceSize
}

// EntryNames returns the entry names in directory order, without the
// reserved meta entry.
func (r *Reader) EntryNames() []string {
	names := make([]string, 0, len(r.dir.entries))
	for _, e := range r.dir.entries {
		if e.Name == MetaEntryName {
			continue
		}
		names = append(names, e.Name)
	}
	return names
}

// Entry returns the directory descriptor for name.
func (r *Reader) Entry(name string) (Entry, bool) {
	e, ok := r.dir.lookup(name)
	if !ok {
		return Entry{}, false
	}
	out := *e
	if e.Slices != nil {
		out.Slices = append([]Slice(nil), e.Slices...)
	}
	return out, true
}

// Meta returns the file level metadata.
func (r *Reader) Meta(ctx context.Context) (Meta, error) {
	buf, err := r.ReadEntry(ctx, MetaEntryName)
	if err != nil {
		return nil, err
	}
	return decodeMeta(buf)
}

// ReadEntry returns the plaintext of one entry, verified against its
// stored checksum. Small entries are fetched with a single ranged read
// and cached for the rest of the session; larger ones fan out over
// concurrent ranged reads and are not cached. The caller owns the
// returned slice.
func (r *Reader) ReadEntry(ctx context.Context, name string) ([]byte, error) {
	e, ok := r.dir.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrorEntryNotFound)
	}
	if buf := r.cached(name); buf != nil {
		return buf, nil
	}
	if name == MetaEntryName && r.metaStored != nil {
		plain, err := r.decodeStored(e, r.metaStored)
		if err != nil {
			return nil, err
		}
		return r.storeCache(name, plain), nil
	}
	if e.Size <= r.opt.SmallEntrySize {
		return r.readSmall(ctx, e)
	}
	return r.readLarge(ctx, e)
}

// ReadEntryToFile writes the plaintext of one entry to a local file,
// verifying the stored checksum. Large entries are fetched as
// concurrent positioned writes and their checksum is assembled by
// combining per-chunk checksums, so no second pass over the data is
// needed. On verification failure the file is removed.
func (r *Reader) ReadEntryToFile(ctx context.Context, name, path string) error {
	e, ok := r.dir.lookup(name)
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrorEntryNotFound)
	}
	if e.Size <= r.opt.SmallEntrySize {
		buf, err := r.ReadEntry(ctx, name)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, buf, 0666); err != nil {
			return fmt.Errorf("failed to write entry %q to file: %w", name, err)
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file for entry %q: %w", name, err)
	}
	run := newRunner(r.opt.Pool, r.opt.Transfers)
	err = r.fetchEntryToFile(ctx, run, e, f)
	run.wait()
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file for entry %q: %w", name, err)
	}
	return nil
}

// ReadEntriesToFiles writes many entries to local files in one batch,
// fanning the chunks of every entry out together so the pool sees the
// whole load at once. Names are resolved up front: an unknown name
// fails the call before any I/O. A checksum failure removes that
// entry's file but the other entries still complete.
func (r *Reader) ReadEntriesToFiles(ctx context.Context, pairs []EntryFile) error {
	entries := make([]*Entry, len(pairs))
	for i, p := range pairs {
		e, ok := r.dir.lookup(p.Name)
		if !ok {
			return fmt.Errorf("%q: %w", p.Name, ErrorEntryNotFound)
		}
		entries[i] = e
	}
	run := newRunner(r.opt.Pool, r.opt.Transfers)
	defer run.wait()

	type job struct {
		e     *Entry
		f     *os.File
		tasks []*readTask
	}
	jobs := make([]*job, 0, len(pairs))
	var firstErr error
	for i, p := range pairs {
		f, err := os.Create(p.Path)
		if err != nil {
			firstErr = fmt.Errorf("failed to create file for entry %q: %w", p.Name, err)
			break
		}
		j := &job{e: entries[i], f: f, tasks: r.buildTasks(entries[i])}
		jobs = append(jobs, j)
		r.submitFileTasks(ctx, run, j.e, j.tasks, f)
	}
	for i, j := range jobs {
		err := r.finishFileTasks(j.e, j.tasks)
		if cerr := j.f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close file for entry %q: %w", j.e.Name, cerr)
		}
		if err != nil {
			_ = os.Remove(pairs[i].Path)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// cached returns a copy of the cached plaintext for name, or nil.
func (r *Reader) cached(name string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.cache[name]
	if !ok {
		return nil
	}
	return append([]byte(nil), buf...)
}

// storeCache keeps buf for future reads and returns a copy the caller
// may modify.
func (r *Reader) storeCache(name string, buf []byte) []byte {
	r.mu.Lock()
	r.cache[name] = buf
	r.mu.Unlock()
	return append([]byte(nil), buf...)
}

// readSmall fetches an entry's whole stored span in one ranged read,
// verifies it and caches the plaintext.
func (r *Reader) readSmall(ctx context.Context, e *Entry) ([]byte, error) {
	start, length := e.storedSpan()
	stored, err := r.readRange(ctx, MagicSize+start, length)
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", e.Name, err)
	}
	plain, err := r.decodeStored(e, stored)
	if err != nil {
		return nil, err
	}
	return r.storeCache(e.Name, plain), nil
}

// decodeStored turns an entry's stored bytes into verified plaintext.
// For an encrypted file stored holds the entry's ciphertext slices
// back to back, which are decrypted one by one.
func (r *Reader) decodeStored(e *Entry, stored []byte) ([]byte, error) {
	plain := stored
	if r.dir.encrypted() {
		start, _ := e.storedSpan()
		plain = make([]byte, 0, e.Size)
		for i, s := range e.Slices {
			ct := stored[s.Offset-start : s.Offset-start+s.Size]
			pt, err := r.dec.Decrypt(ct)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt slice %d of entry %q: %w", i, e.Name, err)
			}
			plain = append(plain, pt...)
		}
	}
	if int64(len(plain)) != e.Size {
		return nil, fmt.Errorf("entry %q decoded to %d bytes, want %d", e.Name, len(plain), e.Size)
	}
	if sum := crc.Sum(plain); sum != e.CRC {
		return nil, fmt.Errorf("entry %q: got %s, want %s: %w",
			e.Name, crc.FormatHex(sum), crc.FormatHex(e.CRC), ErrorChecksumMismatch)
	}
	return plain, nil
}

// readTask is one ranged read of a large entry: a ciphertext slice in
// encrypted files, a ChunkSize piece of the plaintext otherwise.
type readTask struct {
	off      int64 // absolute file offset of the stored bytes
	n        int64 // stored length
	plainOff int64 // destination offset in the plaintext
	plainLen int64
	sum      uint32 // plaintext checksum, file targets only
	err      error
	done     chan struct{}
}

// buildTasks partitions an entry for concurrent fetching. Tasks are
// returned in ascending plaintext order.
func (r *Reader) buildTasks(e *Entry) []*readTask {
	if r.dir.encrypted() {
		tasks := make([]*readTask, 0, len(e.Slices))
		for i, s := range e.Slices {
			plainOff := int64(i) * r.dir.sliceSize
			tasks = append(tasks, &readTask{
				off:      MagicSize + s.Offset,
				n:        s.Size,
				plainOff: plainOff,
				plainLen: min64(r.dir.sliceSize, e.Size-plainOff),
				done:     make(chan struct{}),
			})
		}
		return tasks
	}
	numChunks := int((e.Size + r.opt.ChunkSize - 1) / r.opt.ChunkSize)
	tasks := make([]*readTask, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		plainOff := int64(i) * r.opt.ChunkSize
		n := min64(r.opt.ChunkSize, e.Size-plainOff)
		tasks = append(tasks, &readTask{
			off:      MagicSize + e.Offset + plainOff,
			n:        n,
			plainOff: plainOff,
			plainLen: n,
			done:     make(chan struct{}),
		})
	}
	return tasks
}

// readLarge fans an entry out over concurrent ranged reads into one
// buffer, then verifies the checksum with a single sequential pass.
func (r *Reader) readLarge(ctx context.Context, e *Entry) ([]byte, error) {
	buf := make([]byte, e.Size)
	tasks := r.buildTasks(e)
	run := newRunner(r.opt.Pool, r.opt.Transfers)
	Debugf(r, "reading entry %q size %d in %d parts", e.Name, e.Size, len(tasks))
	for _, t := range tasks {
		t := t
		run.run(func() {
			defer close(t.done)
			t.err = r.fetchInto(ctx, t, buf[t.plainOff:t.plainOff+t.plainLen])
		})
	}
	err := awaitTasks(tasks)
	run.wait()
	if err != nil {
		return nil, fmt.Errorf("entry %q: %w", e.Name, err)
	}
	if sum := crc.Sum(buf); sum != e.CRC {
		return nil, fmt.Errorf("entry %q: got %s, want %s: %w",
			e.Name, crc.FormatHex(sum), crc.FormatHex(e.CRC), ErrorChecksumMismatch)
	}
	return buf, nil
}

// fetchInto reads one task's stored bytes and lands the plaintext in
// dst, decrypting when the file is encrypted.
func (r *Reader) fetchInto(ctx context.Context, t *readTask, dst []byte) error {
	if !r.dir.encrypted() {
		rc, err := r.in.OpenRange(ctx, t.off, t.n)
		if err != nil {
			return fmt.Errorf("failed to open range [%d,%d): %w", t.off, t.off+t.n, err)
		}
		_, err = io.ReadFull(rc, dst)
		closeReader(rc, &err)
		if err != nil {
			return fmt.Errorf("failed to read range [%d,%d): %w", t.off, t.off+t.n, err)
		}
		return nil
	}
	pt, err := r.fetchSlice(ctx, t)
	if err != nil {
		return err
	}
	copy(dst, pt)
	return nil
}

// fetchSlice reads and decrypts one ciphertext slice.
func (r *Reader) fetchSlice(ctx context.Context, t *readTask) ([]byte, error) {
	buf := r.bufs.Get()
	defer r.bufs.Put(buf)
	ct := buf[:t.n]
	rc, err := r.in.OpenRange(ctx, t.off, t.n)
	if err != nil {
		return nil, fmt.Errorf("failed to open range [%d,%d): %w", t.off, t.off+t.n, err)
	}
	_, err = io.ReadFull(rc, ct)
	closeReader(rc, &err)
	if err != nil {
		return nil, fmt.Errorf("failed to read range [%d,%d): %w", t.off, t.off+t.n, err)
	}
	pt, err := r.dec.Decrypt(ct)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt slice at offset %d: %w", t.plainOff, err)
	}
	if int64(len(pt)) != t.plainLen {
		return nil, fmt.Errorf("slice at offset %d decrypted to %d bytes, want %d", t.plainOff, len(pt), t.plainLen)
	}
	return pt, nil
}

// fetchEntryToFile runs one entry's tasks against an open file and
// verifies the result.
func (r *Reader) fetchEntryToFile(ctx context.Context, run runner, e *Entry, f *os.File) error {
	tasks := r.buildTasks(e)
	Debugf(r, "reading entry %q size %d in %d parts to %q", e.Name, e.Size, len(tasks), f.Name())
	r.submitFileTasks(ctx, run, e, tasks, f)
	return r.finishFileTasks(e, tasks)
}

// submitFileTasks schedules an entry's tasks as positioned writes into
// f, each recording the checksum of its own plaintext.
func (r *Reader) submitFileTasks(ctx context.Context, run runner, e *Entry, tasks []*readTask, f *os.File) {
	encrypted := r.dir.encrypted()
	for _, t := range tasks {
		t := t
		run.run(func() {
			defer close(t.done)
			if encrypted {
				pt, err := r.fetchSlice(ctx, t)
				if err != nil {
					t.err = err
					return
				}
				t.sum = crc.Sum(pt)
				if _, err := f.WriteAt(pt, t.plainOff); err != nil {
					t.err = fmt.Errorf("failed to write slice at offset %d: %w", t.plainOff, err)
				}
				return
			}
			rc, err := r.in.OpenRange(ctx, t.off, t.n)
			if err != nil {
				t.err = fmt.Errorf("failed to open range [%d,%d): %w", t.off, t.off+t.n, err)
				return
			}
			h := crc.New()
			n, err := io.Copy(io.NewOffsetWriter(f, t.plainOff), io.TeeReader(rc, h))
			closeReader(rc, &err)
			if err != nil {
				t.err = fmt.Errorf("failed to copy range [%d,%d): %w", t.off, t.off+t.n, err)
				return
			}
			if n != t.n {
				t.err = fmt.Errorf("short read: got %d bytes of [%d,%d)", n, t.off, t.off+t.n)
				return
			}
			t.sum = h.Sum32()
		})
	}
}

// finishFileTasks waits for an entry's tasks and folds their per-chunk
// checksums, in ascending plaintext order, into the whole entry
// checksum. The data on disk is never reread.
func (r *Reader) finishFileTasks(e *Entry, tasks []*readTask) error {
	err := awaitTasks(tasks)
	if err != nil {
		return fmt.Errorf("entry %q: %w", e.Name, err)
	}
	var sum uint32
	for i, t := range tasks {
		if i == 0 {
			sum = t.sum
			continue
		}
		sum = crc.Combine(sum, t.sum, t.plainLen)
	}
	if sum != e.CRC {
		return fmt.Errorf("entry %q: got %s, want %s: %w",
			e.Name, crc.FormatHex(sum), crc.FormatHex(e.CRC), ErrorChecksumMismatch)
	}
	return nil
}

// awaitTasks waits for every task and returns the first error. It must
// wait out all of them even on failure: workers may still be touching
// shared buffers.
func awaitTasks(tasks []*readTask) error {
	var firstErr error
	for _, t := range tasks {
		<-t.done
		if t.err != nil && firstErr == nil {
			firstErr = t.err
		}
	}
	return firstErr
}

// readRange fetches [off, off+n) of the object into a fresh buffer.
func (r *Reader) readRange(ctx context.Context, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	rc, err := r.in.OpenRange(ctx, off, n)
	if err != nil {
		return nil, fmt.Errorf("failed to open range [%d,%d): %w", off, off+n, err)
	}
	_, err = io.ReadFull(rc, buf)
	closeReader(rc, &err)
	if err != nil {
		return nil, fmt.Errorf("failed to read range [%d,%d): %w", off, off+n, err)
	}
	return buf, nil
}

// closeReader closes rc keeping the first error seen in *err.
func closeReader(rc io.Closer, err *error) {
	if cerr := rc.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
