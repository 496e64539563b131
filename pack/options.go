package pack

// WriterOptions controls NewWriter. The zero value plus an Output is a
// valid unencrypted configuration.
type WriterOptions struct {
	// Key selects the storage mode: nil writes the unencrypted layout,
	// non-nil the encrypted one. This is the only mode switch.
	Key KeySource

	// Pool runs slice encryption tasks. Nil falls back to a private
	// group bounded by Transfers.
	Pool Pool

	// SliceSize is the plaintext slice size for encrypted files.
	SliceSize int64

	// ChunkSize is the buffer size WriteEntryFrom streams with.
	ChunkSize int64

	// Window is how many slice encryption tasks may be in flight
	// before the writer blocks waiting for the oldest.
	Window int

	// StagingDir is where the encrypted writer stages the file image
	// before upload. Empty means the system temp directory.
	StagingDir string

	// Transfers bounds the fallback concurrency when Pool is nil.
	Transfers int
}

func (o *WriterOptions) setDefaults() {
	if o.SliceSize <= 0 {
		o.SliceSize = DefaultSliceSize
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Window <= 0 {
		o.Window = DefaultEncryptWindow
	}
	if o.Transfers <= 0 {
		o.Transfers = DefaultTransfers
	}
}

// ReaderOptions controls Open. The zero value is valid for reading
// unencrypted files.
type ReaderOptions struct {
	// Key is consulted only when the file turns out to be encrypted.
	Key KeySource

	// Pool runs ranged read and slice decryption tasks. Nil falls back
	// to a private group bounded by Transfers.
	Pool Pool

	// ChunkSize partitions large unencrypted entries into concurrent
	// ranged reads.
	ChunkSize int64

	// TailReadSize is how much of the file tail Open fetches to
	// bootstrap the footer, directory table and meta entry.
	TailReadSize int64

	// SmallEntrySize is the plaintext size at or below which entries
	// are read in one ranged read and cached.
	SmallEntrySize int64

	// Transfers bounds the fallback concurrency when Pool is nil.
	Transfers int
}

func (o *ReaderOptions) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.TailReadSize <= 0 {
		o.TailReadSize = DefaultTailReadSize
	}
	if o.SmallEntrySize <= 0 {
		o.SmallEntrySize = DefaultSmallEntrySize
	}
	if o.Transfers <= 0 {
		o.Transfers = DefaultTransfers
	}
}
