package pack_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/remote"
	"github.com/packidx/packidx/seal"
)

type testEntry struct {
	name string
	data []byte
}

func randBytes(n int, seed int64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func testKeyring(t *testing.T) *seal.Keyring {
	t.Helper()
	k := seal.NewKeyring()
	require.NoError(t, k.Add("unit-test", randBytes(seal.KeySize, 42)))
	return k
}

// buildFile writes entries in order to a fresh in-memory object and
// finishes it.
func buildFile(t *testing.T, entries []testEntry, meta pack.Meta, opt pack.WriterOptions) *remote.MemObject {
	t.Helper()
	ctx := context.Background()
	obj := remote.NewMemObject()
	w, err := pack.NewWriter(ctx, obj, opt)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.WriteEntry(ctx, e.name, e.data))
	}
	if meta != nil {
		require.NoError(t, w.SetMeta(meta))
	}
	require.NoError(t, w.Finish(ctx))
	require.True(t, obj.Closed())
	return obj
}

func openFile(t *testing.T, obj *remote.MemObject, opt pack.ReaderOptions) *pack.Reader {
	t.Helper()
	r, err := pack.Open(context.Background(), obj, obj.Size(), opt)
	require.NoError(t, err)
	return r
}

func TestRoundTripPlain(t *testing.T) {
	ctx := context.Background()
	entries := []testEntry{
		{"vectors", randBytes(10000, 1)},
		{"graph", randBytes(333, 2)},
		{"empty", nil},
		{"tiny", []byte("x")},
	}
	obj := buildFile(t, entries, pack.NewMeta("HNSW"), pack.WriterOptions{})

	r := openFile(t, obj, pack.ReaderOptions{})
	assert.False(t, r.Encrypted())
	assert.Equal(t, []string{"vectors", "graph", "empty", "tiny"}, r.EntryNames())

	for _, e := range entries {
		got, err := r.ReadEntry(ctx, e.name)
		require.NoError(t, err)
		assert.Equal(t, len(e.data), len(got))
		assert.True(t, bytes.Equal(e.data, got), "entry %q", e.name)
	}

	m, err := r.Meta(ctx)
	require.NoError(t, err)
	it, _ := m.String(pack.MetaKeyIndexType)
	assert.Equal(t, "HNSW", it)
}

func TestRoundTripEncrypted(t *testing.T) {
	ctx := context.Background()
	k := testKeyring(t)
	entries := []testEntry{
		{"vectors", randBytes(10000, 3)}, // many slices
		{"exact", randBytes(2048, 4)},    // exact slice multiple
		{"small", randBytes(100, 5)},     // single short slice
		{"empty", nil},                   // zero slices
	}
	obj := buildFile(t, entries, pack.NewMeta("IVF_FLAT"), pack.WriterOptions{
		Key:        k,
		SliceSize:  1024,
		Window:     3,
		StagingDir: t.TempDir(),
	})

	r := openFile(t, obj, pack.ReaderOptions{Key: k})
	assert.True(t, r.Encrypted())
	assert.Equal(t, int64(1024), r.SliceSize())

	for _, e := range entries {
		got, err := r.ReadEntry(ctx, e.name)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(e.data, got), "entry %q", e.name)
	}
	m, err := r.Meta(ctx)
	require.NoError(t, err)
	it, _ := m.String(pack.MetaKeyIndexType)
	assert.Equal(t, "IVF_FLAT", it)
}

func TestEncryptionIsTransparent(t *testing.T) {
	ctx := context.Background()
	marker := []byte("FINDABLE-PLAINTEXT-MARKER")
	data := append(append(randBytes(500, 6), marker...), randBytes(500, 7)...)
	entries := []testEntry{{"payload", data}}

	plainObj := buildFile(t, entries, nil, pack.WriterOptions{})
	encObj := buildFile(t, entries, nil, pack.WriterOptions{
		Key:        testKeyring(t),
		SliceSize:  256,
		StagingDir: t.TempDir(),
	})

	assert.True(t, bytes.Contains(plainObj.Bytes(), marker))
	assert.False(t, bytes.Contains(encObj.Bytes(), marker))

	// Same consumer code reads both, the file alone decides the mode
	for _, obj := range []*remote.MemObject{plainObj, encObj} {
		r := openFile(t, obj, pack.ReaderOptions{Key: testKeyring(t)})
		got, err := r.ReadEntry(ctx, "payload")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
	}
}

func TestSliceLayout(t *testing.T) {
	const sliceSize = 1024
	size := 2500 // 3 slices: 1024, 1024, 452
	obj := buildFile(t, []testEntry{{"e", randBytes(size, 8)}}, nil, pack.WriterOptions{
		Key:        testKeyring(t),
		SliceSize:  sliceSize,
		StagingDir: t.TempDir(),
	})

	r := openFile(t, obj, pack.ReaderOptions{Key: testKeyring(t)})
	e, ok := r.Entry("e")
	require.True(t, ok)
	assert.Equal(t, int64(size), e.Size)
	require.Len(t, e.Slices, 3)
	assert.Equal(t, int64(1024+seal.SliceOverhead), e.Slices[0].Size)
	assert.Equal(t, int64(1024+seal.SliceOverhead), e.Slices[1].Size)
	assert.Equal(t, int64(452+seal.SliceOverhead), e.Slices[2].Size)

	// Slices are laid out back to back in write order
	assert.Equal(t, e.Slices[0].Offset+e.Slices[0].Size, e.Slices[1].Offset)
	assert.Equal(t, e.Slices[1].Offset+e.Slices[1].Size, e.Slices[2].Offset)
}

func TestMetaAndDataScenario(t *testing.T) {
	// A small descriptor entry next to a bulk data entry, fetched to a
	// local file through concurrent chunked reads.
	ctx := context.Background()
	metaBytes := randBytes(48, 50)
	dataBytes := randBytes(100_000, 51)

	for _, mode := range []string{"plain", "encrypted"} {
		t.Run(mode, func(t *testing.T) {
			opt := pack.WriterOptions{}
			ropt := pack.ReaderOptions{ChunkSize: 16_384, SmallEntrySize: 1024}
			if mode == "encrypted" {
				k := testKeyring(t)
				opt.Key = k
				opt.SliceSize = 16_777
				opt.StagingDir = t.TempDir()
				ropt.Key = k
			}
			obj := buildFile(t, []testEntry{{"META", metaBytes}, {"DATA", dataBytes}}, nil, opt)
			r := openFile(t, obj, ropt)

			meta, ok := r.Entry("META")
			require.True(t, ok)
			assert.Equal(t, int64(48), meta.Size)
			data, ok := r.Entry("DATA")
			require.True(t, ok)
			assert.Equal(t, int64(100_000), data.Size)
			if mode == "encrypted" {
				// ceil(100000 / 16777)
				assert.Len(t, data.Slices, 6)
			} else {
				assert.Equal(t, meta.Offset+meta.Size, data.Offset)
			}

			path := filepath.Join(t.TempDir(), "data.out")
			require.NoError(t, r.ReadEntryToFile(ctx, "DATA", path))
			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(dataBytes, got))
		})
	}
}

func TestSliceCountArithmetic(t *testing.T) {
	numSlices := func(size, sliceSize int64) int64 {
		return (size + sliceSize - 1) / sliceSize
	}
	assert.Equal(t, int64(6), numSlices(100_000_000, pack.DefaultSliceSize))
	assert.Equal(t, int64(1), numSlices(1, pack.DefaultSliceSize))
	assert.Equal(t, int64(1), numSlices(pack.DefaultSliceSize, pack.DefaultSliceSize))
	assert.Equal(t, int64(2), numSlices(pack.DefaultSliceSize+1, pack.DefaultSliceSize))
}

// explodingReader fails the test if anything reads from it.
type explodingReader struct {
	t *testing.T
}

func (r *explodingReader) Read(p []byte) (int, error) {
	r.t.Error("reader consumed before validation")
	return 0, errors.New("exploded")
}

func TestDuplicateEntryFailsFast(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"plain", "encrypted"} {
		t.Run(mode, func(t *testing.T) {
			opt := pack.WriterOptions{}
			if mode == "encrypted" {
				opt.Key = testKeyring(t)
				opt.StagingDir = t.TempDir()
			}
			w, err := pack.NewWriter(ctx, remote.NewMemObject(), opt)
			require.NoError(t, err)
			require.NoError(t, w.WriteEntry(ctx, "dup", []byte("first")))

			err = w.WriteEntry(ctx, "dup", []byte("second"))
			assert.ErrorIs(t, err, pack.ErrorDuplicateEntry)

			// The duplicate must be rejected before the source is read
			err = w.WriteEntryFrom(ctx, "dup", &explodingReader{t})
			assert.ErrorIs(t, err, pack.ErrorDuplicateEntry)

			require.NoError(t, w.Finish(ctx))
		})
	}
}

func TestReservedName(t *testing.T) {
	ctx := context.Background()
	w, err := pack.NewWriter(ctx, remote.NewMemObject(), pack.WriterOptions{})
	require.NoError(t, err)
	err = w.WriteEntry(ctx, pack.MetaEntryName, []byte("nope"))
	assert.ErrorIs(t, err, pack.ErrorReservedName)
	err = w.WriteEntry(ctx, "", []byte("nope"))
	assert.Error(t, err)
}

func TestWriterFinished(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"plain", "encrypted"} {
		t.Run(mode, func(t *testing.T) {
			opt := pack.WriterOptions{}
			if mode == "encrypted" {
				opt.Key = testKeyring(t)
				opt.StagingDir = t.TempDir()
			}
			w, err := pack.NewWriter(ctx, remote.NewMemObject(), opt)
			require.NoError(t, err)
			require.NoError(t, w.WriteEntry(ctx, "a", []byte("data")))
			require.NoError(t, w.Finish(ctx))

			assert.ErrorIs(t, w.WriteEntry(ctx, "b", []byte("late")), pack.ErrorWriterFinished)
			assert.ErrorIs(t, w.SetMeta(pack.NewMeta("T")), pack.ErrorWriterFinished)
			assert.ErrorIs(t, w.Finish(ctx), pack.ErrorWriterFinished)
		})
	}
}

func TestBytesWritten(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"plain", "encrypted"} {
		t.Run(mode, func(t *testing.T) {
			opt := pack.WriterOptions{}
			if mode == "encrypted" {
				opt.Key = testKeyring(t)
				opt.SliceSize = 512
				opt.StagingDir = t.TempDir()
			}
			obj := remote.NewMemObject()
			w, err := pack.NewWriter(ctx, obj, opt)
			require.NoError(t, err)
			require.NoError(t, w.WriteEntry(ctx, "a", randBytes(3000, 9)))
			require.NoError(t, w.Finish(ctx))
			assert.Equal(t, obj.Size(), w.BytesWritten())
		})
	}
}

func TestMetaDefaultsToEmpty(t *testing.T) {
	ctx := context.Background()
	obj := buildFile(t, []testEntry{{"a", []byte("x")}}, nil, pack.WriterOptions{})
	r := openFile(t, obj, pack.ReaderOptions{})
	m, err := r.Meta(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestMetaBuilder(t *testing.T) {
	ctx := context.Background()
	meta := pack.NewMeta("DISKANN",
		pack.WithBuildID(""),
		pack.WithField("rows", 12345),
		pack.WithField("dim", 768),
	)
	obj := buildFile(t, []testEntry{{"a", []byte("x")}}, meta, pack.WriterOptions{})

	r := openFile(t, obj, pack.ReaderOptions{})
	m, err := r.Meta(ctx)
	require.NoError(t, err)

	it, _ := m.String(pack.MetaKeyIndexType)
	assert.Equal(t, "DISKANN", it)
	id, ok := m.String(pack.MetaKeyBuildID)
	require.True(t, ok)
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "build id %q should be a generated uuid", id)
	assert.Equal(t, float64(12345), m["rows"])
}

func TestMetaBuildIDKept(t *testing.T) {
	meta := pack.NewMeta("HNSW", pack.WithBuildID("build-7"))
	id, _ := meta.String(pack.MetaKeyBuildID)
	assert.Equal(t, "build-7", id)
}

// failingOutput breaks at a chosen point of the upload.
type failingOutput struct {
	failWrite bool
	failClose bool
	aborted   bool
	writes    int
}

func (f *failingOutput) Write(p []byte) (int, error) {
	if f.failWrite {
		return 0, errors.New("connection reset")
	}
	f.writes++
	return len(p), nil
}

func (f *failingOutput) Close() error {
	if f.failClose {
		return errors.New("complete rejected")
	}
	return nil
}

func (f *failingOutput) Abort() error {
	f.aborted = true
	return nil
}

func TestStagingKeptOnUploadFailure(t *testing.T) {
	ctx := context.Background()
	k := testKeyring(t)
	staging := t.TempDir()
	out := &failingOutput{failClose: true}

	w, err := pack.NewWriter(ctx, out, pack.WriterOptions{
		Key:        k,
		SliceSize:  512,
		StagingDir: staging,
	})
	require.NoError(t, err)
	data := randBytes(5000, 10)
	require.NoError(t, w.WriteEntry(ctx, "vectors", data))
	require.NoError(t, w.SetMeta(pack.NewMeta("HNSW")))

	err = w.Finish(ctx)
	require.Error(t, err)
	assert.True(t, out.aborted)

	// The encrypted bytes survive locally so the upload can be
	// retried without redoing the build
	staged, err := filepath.Glob(filepath.Join(staging, "mvsidx-*.staging"))
	require.NoError(t, err)
	require.Len(t, staged, 1)

	// The staging file is the complete object image
	in, size, err := remote.Open(staged[0])
	require.NoError(t, err)
	defer func() { _ = in.Close() }()
	r, err := pack.Open(ctx, in, size, pack.ReaderOptions{Key: k})
	require.NoError(t, err)
	got, err := r.ReadEntry(ctx, "vectors")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestUploadRetryFromStagingFile(t *testing.T) {
	// A failed upload spends the writer and its output. Recovery is
	// the caller copying the kept staging image, which is already the
	// complete object, to a fresh output.
	ctx := context.Background()
	k := testKeyring(t)
	staging := t.TempDir()
	out := &failingOutput{failClose: true}

	w, err := pack.NewWriter(ctx, out, pack.WriterOptions{
		Key:        k,
		SliceSize:  512,
		StagingDir: staging,
	})
	require.NoError(t, err)
	data := randBytes(3000, 31)
	require.NoError(t, w.WriteEntry(ctx, "vectors", data))
	require.NoError(t, w.SetMeta(pack.NewMeta("HNSW")))

	err = w.Finish(ctx)
	require.Error(t, err)
	staged, err := filepath.Glob(filepath.Join(staging, "mvsidx-*.staging"))
	require.NoError(t, err)
	require.Len(t, staged, 1)
	image, err := os.ReadFile(staged[0])
	require.NoError(t, err)

	// A second Finish reports the failure again without touching the
	// output or the staging image.
	writes := out.writes
	err2 := w.Finish(ctx)
	require.Error(t, err2)
	assert.Equal(t, writes, out.writes)
	after, err := os.ReadFile(staged[0])
	require.NoError(t, err)
	assert.True(t, bytes.Equal(image, after), "staging image must not change on a repeated Finish")

	// The kept image uploads as is
	obj := remote.NewMemObject()
	_, err = obj.Write(image)
	require.NoError(t, err)
	require.NoError(t, obj.Close())
	r, err := pack.Open(ctx, obj, obj.Size(), pack.ReaderOptions{Key: k})
	require.NoError(t, err)
	got, err := r.ReadEntry(ctx, "vectors")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	m, err := r.Meta(ctx)
	require.NoError(t, err)
	it, _ := m.String(pack.MetaKeyIndexType)
	assert.Equal(t, "HNSW", it)
}

func TestStagingRemovedOnSuccess(t *testing.T) {
	staging := t.TempDir()
	buildFile(t, []testEntry{{"a", randBytes(2000, 11)}}, nil, pack.WriterOptions{
		Key:        testKeyring(t),
		SliceSize:  512,
		StagingDir: staging,
	})
	staged, err := filepath.Glob(filepath.Join(staging, "mvsidx-*"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestPlainWriterStickyError(t *testing.T) {
	ctx := context.Background()
	w, err := pack.NewWriter(ctx, &failingOutput{failWrite: true}, pack.WriterOptions{})
	// Magic write fails immediately
	require.Error(t, err)
	assert.Nil(t, w)
}

func TestWriteEntryFromStream(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"plain", "encrypted"} {
		t.Run(mode, func(t *testing.T) {
			opt := pack.WriterOptions{ChunkSize: 1024}
			ropt := pack.ReaderOptions{}
			if mode == "encrypted" {
				k := testKeyring(t)
				opt.Key = k
				opt.SliceSize = 1024
				opt.StagingDir = t.TempDir()
				ropt.Key = k
			}
			obj := remote.NewMemObject()
			w, err := pack.NewWriter(ctx, obj, opt)
			require.NoError(t, err)

			data := randBytes(10240+37, 12)
			require.NoError(t, w.WriteEntryFrom(ctx, "streamed", bytes.NewReader(data)))
			require.NoError(t, w.Finish(ctx))

			r := openFile(t, obj, ropt)
			got, err := r.ReadEntry(ctx, "streamed")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
		})
	}
}

func TestFileNaming(t *testing.T) {
	assert.Equal(t, "mvsidx_hnsw", pack.FileName("HNSW"))
	assert.True(t, pack.IsPackedFileName("mvsidx_hnsw"))
	assert.True(t, pack.IsPackedFileName("some/dir/mvsidx_ivf_flat"))
	assert.False(t, pack.IsPackedFileName("raw_segment"))
	assert.False(t, pack.IsPackedFileName("dir/raw"))
}

func TestSinglePackedFile(t *testing.T) {
	got, err := pack.SinglePackedFile([]string{"a/raw", "a/mvsidx_hnsw", "a/stats"})
	require.NoError(t, err)
	assert.Equal(t, "a/mvsidx_hnsw", got)

	_, err = pack.SinglePackedFile([]string{"a/raw", "a/stats"})
	assert.Error(t, err)

	_, err = pack.SinglePackedFile([]string{"a/mvsidx_hnsw", "b/mvsidx_hnsw"})
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w, err := pack.NewWriter(context.Background(), remote.NewMemObject(), pack.WriterOptions{})
	require.NoError(t, err)
	assert.Error(t, w.WriteEntry(ctx, "a", []byte("x")))
}
