// Package s3 provides packed file Outputs and Inputs over an S3
// bucket.
//
// Uploads stream through a pipe into a multipart upload, so an
// unencrypted packed file goes from writer to bucket without touching
// local disk and the parts upload in parallel while the producer is
// still writing. Reads translate OpenRange calls into HTTP range
// requests, which is exactly the access pattern the packed reader fans
// out.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/sync/errgroup"
)

var errUploadAborted = errors.New("upload aborted")

// Options configures a Bucket.
type Options struct {
	// PartSize is the multipart upload part size in bytes. 0 keeps the
	// manager's default.
	PartSize int64

	// Concurrency is how many parts may upload in parallel. 0 keeps
	// the manager's default.
	Concurrency int
}

// Bucket is a packed file store rooted at one S3 bucket.
type Bucket struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New makes a Bucket using the given session.
func New(sess *session.Session, bucket string, opt Options) *Bucket {
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		if opt.PartSize > 0 {
			u.PartSize = opt.PartSize
		}
		if opt.Concurrency > 0 {
			u.Concurrency = opt.Concurrency
		}
	})
	return &Bucket{svc: s3.New(sess), uploader: uploader, bucket: bucket}
}

// NewOutput starts an upload of key. Bytes written to the Output feed
// the multipart upload as they arrive.
func (b *Bucket) NewOutput(ctx context.Context, key string) *Output {
	pr, pw := io.Pipe()
	o := &Output{pw: pw}
	o.g, ctx = errgroup.WithContext(ctx)
	o.g.Go(func() error {
		_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			// Unstick a producer blocked on the pipe
			_ = pr.CloseWithError(err)
			return fmt.Errorf("failed to upload %q: %w", key, err)
		}
		return nil
	})
	return o
}

// Output is one in-flight S3 upload.
type Output struct {
	pw *io.PipeWriter
	g  *errgroup.Group
}

func (o *Output) Write(p []byte) (int, error) {
	return o.pw.Write(p)
}

// Close finishes the upload. It returns once S3 has acknowledged the
// completed object, so a nil error means the bytes are durable.
func (o *Output) Close() error {
	if err := o.pw.Close(); err != nil {
		return err
	}
	return o.g.Wait()
}

// Abort abandons the upload. Parts already sent are cleaned up by the
// upload manager.
func (o *Output) Abort() error {
	_ = o.pw.CloseWithError(errUploadAborted)
	_ = o.g.Wait()
	return nil
}

// Open returns an Input over an existing object along with its size.
func (b *Bucket) Open(ctx context.Context, key string) (*Input, int64, error) {
	head, err := b.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat %q: %w", key, err)
	}
	return &Input{svc: b.svc, bucket: b.bucket, key: key}, aws.Int64Value(head.ContentLength), nil
}

// Input reads one object with ranged GETs.
type Input struct {
	svc    *s3.S3
	bucket string
	key    string
}

// OpenRange fetches [offset, offset+length) as an HTTP range request.
func (in *Input) OpenRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	resp, err := in.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(in.bucket),
		Key:    aws.String(in.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get range [%d,%d) of %q: %w", offset, offset+length, in.key, err)
	}
	return resp.Body, nil
}
