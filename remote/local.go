// Package remote provides packed file Outputs and Inputs over local
// files and in-memory objects. The S3 backed pair lives in remote/s3;
// everything here satisfies the same contracts, so writers and readers
// never know which one they were handed.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
)

// FileOutput writes a packed file to the local filesystem.
type FileOutput struct {
	f    *os.File
	path string
}

// Create starts a local file output at path.
func Create(path string) (*FileOutput, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", path, err)
	}
	return &FileOutput{f: f, path: path}, nil
}

func (o *FileOutput) Write(p []byte) (int, error) {
	return o.f.Write(p)
}

// Close syncs the file to disk and closes it.
func (o *FileOutput) Close() error {
	if err := o.f.Sync(); err != nil {
		_ = o.f.Close()
		return fmt.Errorf("failed to sync %q: %w", o.path, err)
	}
	if err := o.f.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", o.path, err)
	}
	return nil
}

// Abort removes the partial file.
func (o *FileOutput) Abort() error {
	_ = o.f.Close()
	return os.Remove(o.path)
}

// FileInput reads a packed file from the local filesystem.
type FileInput struct {
	f *os.File
}

// Open opens a local packed file and returns its size.
func Open(path string) (*FileInput, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %q: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	return &FileInput{f: f}, fi.Size(), nil
}

// OpenRange returns a reader over [offset, offset+length). It uses
// positioned reads, so any number may be open at once.
func (in *FileInput) OpenRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(io.NewSectionReader(in.f, offset, length)), nil
}

// Close closes the underlying file. Readers still open from OpenRange
// fail afterwards.
func (in *FileInput) Close() error {
	return in.f.Close()
}
