package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/packidx/packidx/pack"
	"github.com/packidx/packidx/remote"
	s3remote "github.com/packidx/packidx/remote/s3"
)

// target is a parsed command line location: either a local path or an
// s3://bucket/key object.
type target struct {
	s3     bool
	bucket string
	key    string
	path   string
}

func parseTarget(s string) (target, error) {
	if rest, ok := strings.CutPrefix(s, "s3://"); ok {
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return target{}, fmt.Errorf("invalid S3 target %q, want s3://bucket/key", s)
		}
		return target{s3: true, bucket: bucket, key: key}, nil
	}
	if s == "" {
		return target{}, fmt.Errorf("empty target")
	}
	return target{path: s}, nil
}

func (t target) String() string {
	if t.s3 {
		return "s3://" + t.bucket + "/" + t.key
	}
	return t.path
}

func s3Session() (*session.Session, error) {
	cfg := aws.Config{}
	if s3Region != "" {
		cfg.Region = aws.String(s3Region)
	}
	if s3Endpoint != "" {
		cfg.Endpoint = aws.String(s3Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure S3 session: %w", err)
	}
	return sess, nil
}

func (t target) bucketClient() (*s3remote.Bucket, error) {
	sess, err := s3Session()
	if err != nil {
		return nil, err
	}
	return s3remote.New(sess, t.bucket, s3remote.Options{
		PartSize:    s3PartSize,
		Concurrency: s3Concurrency,
	}), nil
}

// output opens the target for writing one packed file.
func (t target) output(ctx context.Context) (pack.Output, error) {
	if t.s3 {
		b, err := t.bucketClient()
		if err != nil {
			return nil, err
		}
		return b.NewOutput(ctx, t.key), nil
	}
	return remote.Create(t.path)
}

// resolveDir maps a local directory target to the single packed index
// file inside it.
func (t target) resolveDir() (target, error) {
	if t.s3 {
		return t, nil
	}
	fi, err := os.Stat(t.path)
	if err != nil || !fi.IsDir() {
		return t, nil
	}
	ents, err := os.ReadDir(t.path)
	if err != nil {
		return t, fmt.Errorf("failed to list %q: %w", t.path, err)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	name, err := pack.SinglePackedFile(names)
	if err != nil {
		return t, fmt.Errorf("%q: %w", t.path, err)
	}
	return target{path: filepath.Join(t.path, name)}, nil
}

// openTarget parses arg, opens it for reading and bootstraps a packed
// reader over it.
func openTarget(ctx context.Context, arg string, opt pack.ReaderOptions) (*pack.Reader, func() error, error) {
	t, err := parseTarget(arg)
	if err != nil {
		return nil, nil, err
	}
	t, err = t.resolveDir()
	if err != nil {
		return nil, nil, err
	}
	if opt.Key == nil {
		opt.Key, err = keySource()
		if err != nil {
			return nil, nil, err
		}
	}
	if opt.Transfers == 0 {
		opt.Transfers = transfers
	}
	in, size, closer, err := t.input(ctx)
	if err != nil {
		return nil, nil, err
	}
	r, err := pack.Open(ctx, in, size, opt)
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("%v: %w", t, err)
	}
	return r, closer, nil
}

// input opens the target for reading. The returned closer releases the
// underlying handle once the reader is done.
func (t target) input(ctx context.Context) (pack.Input, int64, func() error, error) {
	if t.s3 {
		b, err := t.bucketClient()
		if err != nil {
			return nil, 0, nil, err
		}
		in, size, err := b.Open(ctx, t.key)
		if err != nil {
			return nil, 0, nil, err
		}
		return in, size, func() error { return nil }, nil
	}
	in, size, err := remote.Open(t.path)
	if err != nil {
		return nil, 0, nil, err
	}
	return in, size, in.Close, nil
}
