package s3storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
)

// upload stages an object in a spool file and puts it on Close.
type upload struct {
	s   *Storage
	ctx context.Context
	key string
	f   afero.File
}

func (u *upload) Write(p []byte) (int, error) {
	return u.f.Write(p)
}

// preload copies the first offset bytes of the existing object into the
// spool so a resumed upload continues where the last one stopped. A
// missing or shorter object is zero-filled up to offset.
func (u *upload) preload(offset int64) error {
	out, err := u.s.client.GetObject(u.ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.s.bucket),
		Key:    aws.String(u.key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", offset-1)),
	})
	switch {
	case err == nil:
		defer out.Body.Close()
		if _, err := io.CopyN(u.f, out.Body, offset); err != nil && err != io.EOF {
			return fmt.Errorf("s3 resume: %w", err)
		}
	case isNotFound(err) || isInvalidRange(err):
	default:
		return fmt.Errorf("s3 get object: %w", err)
	}

	if err := u.f.Truncate(offset); err != nil {
		return err
	}
	_, err = u.f.Seek(offset, io.SeekStart)
	return err
}

func (u *upload) Close() error {
	defer u.discard()

	size, err := u.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := u.f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = u.s.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.s.bucket),
		Key:           aws.String(u.key),
		Body:          u.f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (u *upload) discard() {
	name := u.f.Name()
	_ = u.f.Close()
	_ = u.s.spool.Remove(name)
}
