package pack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/packidx/packidx/lib/pool"
	"github.com/packidx/packidx/pack/crc"
)

// bufFlushTime is how long slice buffers may sit idle in the staging
// writer's pool before being released.
const bufFlushTime = 30 * time.Second

// stagingWriter produces the encrypted layout. Entries are cut into
// SliceSize plaintext slices; a window of Window encryption tasks runs
// on the pool while the writer drains finished ciphertext strictly in
// submission order into a local staging file. The staging file is the
// complete object image, so Finish uploads it with a single sequential
// copy. On upload failure the staging file is kept for retry.
type stagingWriter struct {
	out      Output
	opt      WriterOptions
	enc      Encryptor
	file     *os.File
	path     string
	dir      *directory
	metaBuf  []byte
	written  int64
	finished bool
	err      error
	bufs     *pool.Pool
	run      runner
}

// encJob is one slice encryption task in flight.
type encJob struct {
	buf   []byte // pooled backing buffer
	plain []byte // buf[:n]
	ct    []byte
	err   error
	done  chan struct{}
}

func newStagingWriter(ctx context.Context, out Output, opt WriterOptions) (*stagingWriter, error) {
	enc, err := opt.Key.NewEncryptor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	f, err := os.CreateTemp(opt.StagingDir, "mvsidx-*.staging")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	w := &stagingWriter{
		out:  out,
		opt:  opt,
		enc:  enc,
		file: f,
		path: f.Name(),
		dir:  newDirectory(),
		bufs: pool.New(bufFlushTime, int(opt.SliceSize), opt.Window+1),
		run:  newRunner(opt.Pool, opt.Transfers),
	}
	w.dir.sliceSize = opt.SliceSize
	w.dir.wrappedKey = enc.WrappedKey()
	w.dir.keyID = enc.KeyID()
	if err := w.write([]byte(Magic)); err != nil {
		_ = f.Close()
		_ = os.Remove(w.path)
		return nil, fmt.Errorf("failed to write magic: %w", err)
	}
	Debugf(w, "staging encrypted packed file under key %q", enc.KeyID())
	return w, nil
}

// String is the log prefix.
func (w *stagingWriter) String() string {
	return "packed writer (encrypted)"
}

// write appends to the staging file. Errors are sticky: the image is
// incomplete after one, so the writer refuses further use.
func (w *stagingWriter) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *stagingWriter) dataOffset() int64 {
	return w.written - MagicSize
}

func (w *stagingWriter) checkWrite(name string) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return ErrorWriterFinished
	}
	return checkEntryName(w.dir, name)
}

func (w *stagingWriter) WriteEntry(ctx context.Context, name string, data []byte) error {
	if err := w.checkWrite(name); err != nil {
		return err
	}
	return w.writeSlices(ctx, name, bytes.NewReader(data))
}

func (w *stagingWriter) WriteEntryFrom(ctx context.Context, name string, in io.Reader) error {
	if err := w.checkWrite(name); err != nil {
		return err
	}
	return w.writeSlices(ctx, name, in)
}

// writeSlices cuts the reader into slices, encrypts them on the pool a
// window at a time and appends the ciphertext to the staging file in
// slice order. The window is fully drained before it returns, so any
// failure surfaces here and never leaks tasks into the next call.
func (w *stagingWriter) writeSlices(ctx context.Context, name string, in io.Reader) error {
	e := &Entry{Name: name, Slices: make([]Slice, 0)}
	var window []*encJob
	var sum uint32
	fail := func(err error) error {
		w.discard(window)
		return fmt.Errorf("entry %q: %w", name, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		buf := w.bufs.Get()
		n, rerr := readChunk(in, buf[:w.opt.SliceSize])
		if rerr != nil && rerr != io.EOF {
			w.bufs.Put(buf)
			return fail(fmt.Errorf("failed to read: %w", rerr))
		}
		if n == 0 {
			w.bufs.Put(buf)
			break
		}
		sum = crc.Update(sum, buf[:n])
		if len(window) == w.opt.Window {
			if err := w.drainOne(&window, e); err != nil {
				w.bufs.Put(buf)
				return fail(err)
			}
		}
		job := &encJob{buf: buf, plain: buf[:n], done: make(chan struct{})}
		w.run.run(func() {
			job.ct, job.err = w.enc.Encrypt(job.plain)
			close(job.done)
		})
		window = append(window, job)
		e.Size += int64(n)
		if rerr == io.EOF {
			break
		}
	}
	for len(window) > 0 {
		if err := w.drainOne(&window, e); err != nil {
			return fail(err)
		}
	}
	e.CRC = sum
	if err := w.dir.add(e); err != nil {
		return err
	}
	Debugf(w, "staged entry %q size %d in %d slices crc %s", name, e.Size, len(e.Slices), crc.FormatHex(e.CRC))
	return nil
}

// drainOne waits for the oldest job in the window, appends its
// ciphertext to the staging file and records the slice.
func (w *stagingWriter) drainOne(window *[]*encJob, e *Entry) error {
	job := (*window)[0]
	*window = (*window)[1:]
	<-job.done
	w.bufs.Put(job.buf)
	if job.err != nil {
		return fmt.Errorf("failed to encrypt slice: %w", job.err)
	}
	off := w.dataOffset()
	if err := w.write(job.ct); err != nil {
		return fmt.Errorf("failed to stage slice: %w", err)
	}
	e.Slices = append(e.Slices, Slice{Offset: off, Size: int64(len(job.ct))})
	return nil
}

// discard waits out the remaining jobs of a failed call and returns
// their buffers. Workers may still be writing into them, so the wait
// is not optional.
func (w *stagingWriter) discard(window []*encJob) {
	for _, job := range window {
		<-job.done
		w.bufs.Put(job.buf)
	}
}

func (w *stagingWriter) SetMeta(m Meta) error {
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

func (w *stagingWriter) Finish(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return ErrorWriterFinished
	}
	metaBuf := w.metaBuf
	if metaBuf == nil {
		metaBuf = []byte("{}")
	}
	if err := w.writeSlices(ctx, MetaEntryName, bytes.NewReader(metaBuf)); err != nil {
		return err
	}
	metaEntry, _ := w.dir.lookup(MetaEntryName)
	_, metaStored := metaEntry.storedSpan()
	dirBuf, err := w.dir.encode()
	if err != nil {
		return err
	}
	if err := checkTableSizes(metaStored, int64(len(dirBuf))); err != nil {
		return err
	}
	if err := w.write(dirBuf); err != nil {
		return fmt.Errorf("failed to write directory table: %w", err)
	}
	f := footer{
		version:       FormatVersion,
		metaEntrySize: uint32(metaStored),
		directorySize: uint32(len(dirBuf)),
	}
	if err := w.write(f.encode()); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	w.run.wait()
	w.bufs.Flush()
	if err := w.upload(ctx); err != nil {
		w.err = err
		_ = w.file.Close()
		return err
	}
	_ = w.file.Close()
	_ = os.Remove(w.path)
	w.finished = true
	Infof(w, "finished: %d entries, %d bytes uploaded", len(w.dir.entries)-1, w.written)
	return nil
}

// upload copies the completed staging image to the Output. On failure
// the remote side is aborted but the staging file stays on disk so the
// caller can retry the upload without rebuilding the index.
func (w *stagingWriter) upload(ctx context.Context) error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind staging file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := io.Copy(w.out, w.file); err != nil {
		_ = w.out.Abort()
		return fmt.Errorf("failed to upload packed file, staging kept at %q: %w", w.path, err)
	}
	if err := w.out.Close(); err != nil {
		_ = w.out.Abort()
		return fmt.Errorf("failed to finalise upload, staging kept at %q: %w", w.path, err)
	}
	return nil
}

func (w *stagingWriter) BytesWritten() int64 {
	return w.written
}
