package pack

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/packidx/packidx/pack/crc"
)

// Writer assembles one packed index file. Calls must come from a
// single goroutine: entries are appended strictly in call order, then
// SetMeta and one Finish seal the file. A Writer is single use.
type Writer interface {
	// WriteEntry appends a named entry from an in-memory buffer.
	WriteEntry(ctx context.Context, name string, data []byte) error

	// WriteEntryFrom appends a named entry streamed from in until EOF,
	// so an entry larger than memory never has to be materialised. If
	// it fails, bytes already copied stay in the file as unreferenced
	// space and no entry is recorded.
	WriteEntryFrom(ctx context.Context, name string, in io.Reader) error

	// SetMeta records the file level metadata written into the
	// reserved meta entry at Finish. Calling it again replaces the
	// previous metadata.
	SetMeta(m Meta) error

	// Finish writes the meta entry, directory table and footer, then
	// makes the object durable. No writes are accepted afterwards. An
	// upload failure spends the writer; the encrypted layout keeps its
	// completed staging file so the caller can upload that image as is
	// instead of rebuilding.
	Finish(ctx context.Context) error

	// BytesWritten returns the bytes produced so far, including magic,
	// directory table and footer once Finish has run.
	BytesWritten() int64
}

// NewWriter starts a packed file on out. A nil opt.Key selects the
// unencrypted layout, streamed straight to the Output; a non-nil one
// selects the encrypted layout, staged locally and uploaded on Finish.
func NewWriter(ctx context.Context, out Output, opt WriterOptions) (Writer, error) {
	opt.setDefaults()
	if opt.Key == nil {
		return newStreamWriter(out, opt)
	}
	return newStagingWriter(ctx, out, opt)
}

// checkEntryName validates a caller supplied entry name against the
// directory built so far.
func checkEntryName(d *directory, name string) error {
	if name == "" {
		return fmt.Errorf("entry name must not be empty")
	}
	if name == MetaEntryName {
		return fmt.Errorf("%q: %w", name, ErrorReservedName)
	}
	if _, ok := d.lookup(name); ok {
		return fmt.Errorf("%q: %w", name, ErrorDuplicateEntry)
	}
	return nil
}

// readChunk fills buf as far as in allows, mapping a short read at EOF
// to (n, io.EOF) so callers see exactly one EOF.
func readChunk(in io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(in, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// checkTableSizes validates the footer's uint32 size fields.
func checkTableSizes(metaSize, dirSize int64) error {
	if metaSize > math.MaxUint32 {
		return fmt.Errorf("meta entry too large for footer: %d bytes", metaSize)
	}
	if dirSize > math.MaxUint32 {
		return fmt.Errorf("directory table too large for footer: %d bytes", dirSize)
	}
	return nil
}

// streamWriter produces the unencrypted layout. It is a thin
// sequential producer: entry bytes go straight to the Output in call
// order and the Output is trusted to parallelise the upload behind its
// Write method.
type streamWriter struct {
	out      Output
	opt      WriterOptions
	dir      *directory
	metaBuf  []byte
	written  int64
	finished bool
	err      error
	buf      []byte
}

func newStreamWriter(out Output, opt WriterOptions) (*streamWriter, error) {
	w := &streamWriter{out: out, opt: opt, dir: newDirectory()}
	if err := w.write([]byte(Magic)); err != nil {
		return nil, fmt.Errorf("failed to write magic: %w", err)
	}
	return w, nil
}

// String is the log prefix.
func (w *streamWriter) String() string {
	return "packed writer"
}

// write sends bytes to the Output and keeps the running total. Output
// errors are sticky: the stream position is unknown after one, so the
// writer refuses further use.
func (w *streamWriter) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.out.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = err
		return err
	}
	return nil
}

// dataOffset is the current offset relative to the end of the magic,
// which is what the directory table records.
func (w *streamWriter) dataOffset() int64 {
	return w.written - MagicSize
}

func (w *streamWriter) checkWrite(name string) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return ErrorWriterFinished
	}
	return checkEntryName(w.dir, name)
}

func (w *streamWriter) WriteEntry(ctx context.Context, name string, data []byte) error {
	if err := w.checkWrite(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := &Entry{
		Name:   name,
		Offset: w.dataOffset(),
		Size:   int64(len(data)),
		CRC:    crc.Sum(data),
	}
	if err := w.write(data); err != nil {
		return fmt.Errorf("failed to write entry %q: %w", name, err)
	}
	_ = w.dir.add(e)
	Debugf(w, "wrote entry %q size %d crc %s", name, e.Size, crc.FormatHex(e.CRC))
	return nil
}

func (w *streamWriter) WriteEntryFrom(ctx context.Context, name string, in io.Reader) error {
	if err := w.checkWrite(name); err != nil {
		return err
	}
	if w.buf == nil {
		w.buf = make([]byte, w.opt.ChunkSize)
	}
	e := &Entry{Name: name, Offset: w.dataOffset()}
	var sum uint32
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := readChunk(in, w.buf)
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("failed to read entry %q: %w", name, rerr)
		}
		if n > 0 {
			sum = crc.Update(sum, w.buf[:n])
			if err := w.write(w.buf[:n]); err != nil {
				return fmt.Errorf("failed to write entry %q: %w", name, err)
			}
			e.Size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
	}
	e.CRC = sum
	_ = w.dir.add(e)
	Debugf(w, "wrote entry %q size %d crc %s", name, e.Size, crc.FormatHex(e.CRC))
	return nil
}

func (w *streamWriter) SetMeta(m Meta) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return ErrorWriterFinished
	}
	buf, err := encodeMeta(m)
	if err != nil {
		return err
	}
	w.metaBuf = buf
	return nil
}

func (w *streamWriter) Finish(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return ErrorWriterFinished
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	metaBuf := w.metaBuf
	if metaBuf == nil {
		metaBuf = []byte("{}")
	}
	e := &Entry{
		Name:   MetaEntryName,
		Offset: w.dataOffset(),
		Size:   int64(len(metaBuf)),
		CRC:    crc.Sum(metaBuf),
	}
	if err := w.write(metaBuf); err != nil {
		return fmt.Errorf("failed to write meta entry: %w", err)
	}
	if err := w.dir.add(e); err != nil {
		return err
	}
	dirBuf, err := w.dir.encode()
	if err != nil {
		return err
	}
	if err := checkTableSizes(e.Size, int64(len(dirBuf))); err != nil {
		return err
	}
	if err := w.write(dirBuf); err != nil {
		return fmt.Errorf("failed to write directory table: %w", err)
	}
	f := footer{
		version:       FormatVersion,
		metaEntrySize: uint32(len(metaBuf)),
		directorySize: uint32(len(dirBuf)),
	}
	if err := w.write(f.encode()); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	if err := w.out.Close(); err != nil {
		w.err = err
		return fmt.Errorf("failed to finalise output: %w", err)
	}
	w.finished = true
	Infof(w, "finished: %d entries, %d bytes", len(w.dir.entries)-1, w.written)
	return nil
}

func (w *streamWriter) BytesWritten() int64 {
	return w.written
}
