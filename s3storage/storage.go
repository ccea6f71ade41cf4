// Package s3storage serves an S3 bucket (or a prefix within one) as an
// FTP file tree.
//
// Objects map to files by key. Directories are key prefixes: a directory
// exists when a zero-byte marker object "dir/" exists or when any object
// lives under it. MakeDir writes the marker.
//
// S3 has no partial writes, so uploads are spooled to a temporary file and
// sent with a single PutObject when the writer is closed.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/spf13/afero"

	"github.com/gonzalop/ftpd/server"
)

// API is the subset of the S3 client the storage uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Config holds configuration for an S3-backed tree.
type Config struct {
	Bucket string

	// Prefix roots the tree below a key prefix, e.g. "ftp/".
	Prefix string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// Static credentials. When empty the SDK's default chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (MinIO, Localstack).
	UsePathStyle bool
}

// Storage implements server.Storage over S3.
type Storage struct {
	client API
	bucket string
	prefix string
	spool  afero.Fs
}

// Option configures a Storage.
type Option func(*Storage)

// WithSpool sets the filesystem uploads are staged in. Defaults to the OS
// temporary directory.
func WithSpool(fsys afero.Fs) Option {
	return func(s *Storage) { s.spool = fsys }
}

// New returns a Storage using an existing client.
func New(client API, cfg Config, opts ...Option) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3storage: bucket is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	s := &Storage{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		spool:  afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromConfig builds the S3 client from cfg and the SDK's default
// configuration sources.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*Storage, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg, opts...)
}

// fileKey maps "/a/b.txt" to "<prefix>a/b.txt".
func (s *Storage) fileKey(p string) string {
	return s.prefix + strings.TrimPrefix(p, "/")
}

// dirKey maps "/a" to "<prefix>a/" and "/" to the prefix itself.
func (s *Storage) dirKey(p string) string {
	if p == "/" {
		return s.prefix
	}
	return s.fileKey(p) + "/"
}

func (s *Storage) ReadFile(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	if p == "/" {
		return nil, fmt.Errorf("%s: %w", p, server.ErrIsDirectory)
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fileKey(p)),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := s.client.GetObject(ctx, in)
	switch {
	case err == nil:
		return out.Body, nil
	case isInvalidRange(err):
		// Restarting at or past the end yields no data.
		return io.NopCloser(strings.NewReader("")), nil
	case isNotFound(err):
		if ok, derr := s.dirExists(ctx, p); derr == nil && ok {
			return nil, fmt.Errorf("%s: %w", p, server.ErrIsDirectory)
		}
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	default:
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
}

func (s *Storage) WriteFile(ctx context.Context, p string, offset int64) (io.WriteCloser, error) {
	if p == "/" {
		return nil, fmt.Errorf("%s: %w", p, server.ErrIsDirectory)
	}
	if isDir, err := s.dirExists(ctx, p); err != nil {
		return nil, err
	} else if isDir {
		return nil, fmt.Errorf("%s: %w", p, server.ErrIsDirectory)
	}
	if err := s.requireDir(ctx, path.Dir(p)); err != nil {
		return nil, err
	}

	f, err := afero.TempFile(s.spool, "", "ftpd-s3-*")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	u := &upload{s: s, ctx: ctx, key: s.fileKey(p), f: f}

	if offset > 0 {
		if err := u.preload(offset); err != nil {
			u.discard()
			return nil, err
		}
	}
	return u, nil
}

func (s *Storage) ListDirectory(ctx context.Context, p string) ([]os.FileInfo, error) {
	prefix := s.dirKey(p)
	var entries []os.FileInfo
	found := p == "/"

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, dirInfo(name, epoch))
		}
		for _, obj := range page.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // directory marker
			}
			entries = append(entries, &fileInfo{
				name:    strings.TrimPrefix(key, prefix),
				size:    aws.ToInt64(obj.Size),
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	if !found {
		if _, err := s.headObject(ctx, p); err == nil {
			return nil, fmt.Errorf("%s: not a directory", p)
		}
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (s *Storage) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	if p == "/" {
		return dirInfo("/", epoch), nil
	}
	out, err := s.headObject(ctx, p)
	if err == nil {
		return &fileInfo{
			name:    path.Base(p),
			size:    aws.ToInt64(out.ContentLength),
			modTime: aws.ToTime(out.LastModified),
		}, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("s3 head object: %w", err)
	}

	ok, err := s.dirExists(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return dirInfo(path.Base(p), epoch), nil
}

func (s *Storage) MakeDir(ctx context.Context, p string) error {
	if _, err := s.Stat(ctx, p); err == nil {
		return fmt.Errorf("%s: %w", p, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := s.requireDir(ctx, path.Dir(p)); err != nil {
		return err
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *Storage) Remove(ctx context.Context, p string) error {
	if p == "/" {
		return fmt.Errorf("cannot remove root: %w", fs.ErrPermission)
	}

	if _, err := s.headObject(ctx, p); err == nil {
		return s.deleteKey(ctx, s.fileKey(p))
	} else if !isNotFound(err) {
		return fmt.Errorf("s3 head object: %w", err)
	}

	prefix := s.dirKey(p)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return fmt.Errorf("s3 list objects: %w", err)
	}
	switch {
	case len(out.Contents) == 0:
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	case len(out.Contents) > 1 || aws.ToString(out.Contents[0].Key) != prefix:
		return fmt.Errorf("%s: directory not empty", p)
	}
	return s.deleteKey(ctx, prefix)
}

// Rename copies then deletes. Directories are moved object by object, so
// a failure part way leaves both trees partially populated.
func (s *Storage) Rename(ctx context.Context, from, to string) error {
	if from == "/" || to == "/" {
		return fmt.Errorf("cannot rename root: %w", fs.ErrPermission)
	}
	info, err := s.Stat(ctx, from)
	if err != nil {
		return err
	}
	if err := s.requireDir(ctx, path.Dir(to)); err != nil {
		return err
	}

	if !info.IsDir() {
		if err := s.copyKey(ctx, s.fileKey(from), s.fileKey(to)); err != nil {
			return err
		}
		return s.deleteKey(ctx, s.fileKey(from))
	}

	if strings.HasPrefix(to+"/", from+"/") {
		return fmt.Errorf("cannot move %s into itself: %w", from, fs.ErrInvalid)
	}
	src, dst := s.dirKey(from), s.dirKey(to)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(src),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if err := s.copyKey(ctx, key, dst+strings.TrimPrefix(key, src)); err != nil {
				return err
			}
			if err := s.deleteKey(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) headObject(ctx context.Context, p string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fileKey(p)),
	})
}

// dirExists reports whether anything lives under p's directory prefix.
func (s *Storage) dirExists(ctx context.Context, p string) (bool, error) {
	if p == "/" {
		return true, nil
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("s3 list objects: %w", err)
	}
	return len(out.Contents) > 0, nil
}

func (s *Storage) requireDir(ctx context.Context, p string) error {
	ok, err := s.dirExists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	return nil
}

func (s *Storage) copyKey(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.bucket + "/" + escapeKey(from)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", from, fs.ErrNotExist)
		}
		return fmt.Errorf("s3 copy object: %w", err)
	}
	return nil
}

func (s *Storage) deleteKey(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// escapeKey URL-encodes each segment of an object key for CopySource.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange"
}

var _ server.Storage = (*Storage)(nil)
