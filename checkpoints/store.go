package checkpoints

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned by a Store when the named checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints under short names such as "step-000100".
type Store interface {
	Save(ctx context.Context, name string, checkpoint *Checkpoint) error
	Load(ctx context.Context, name string) (*Checkpoint, error)
	// Location describes where name is stored, for logging.
	Location(name string) string
}

// FileStore keeps checkpoints in a local directory.
type FileStore struct {
	dir   string
	saver *CheckpointSaver
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, format CheckpointFormat) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &FileStore{dir: dir, saver: NewCheckpointSaver(format)}, nil
}

func (fs *FileStore) Location(name string) string {
	return filepath.Join(fs.dir, name+fs.saver.Format().Extension())
}

func (fs *FileStore) Save(ctx context.Context, name string, checkpoint *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Write to a temp file first so a crash never leaves a truncated checkpoint.
	final := fs.Location(name)
	tmp := final + ".tmp"
	if err := fs.saver.SaveCheckpoint(checkpoint, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %v", err)
	}
	return nil
}

func (fs *FileStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc := fs.Location(name)
	if _, err := os.Stat(loc); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return fs.saver.LoadCheckpoint(loc)
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3-compatible checkpoint bucket. Empty credentials
// fall back to the default AWS credential chain.
type S3Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style"`
}

// S3Store keeps checkpoints as objects in a bucket.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	saver  *CheckpointSaver
}

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config, format CheckpointFormat) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 checkpoint store requires a bucket")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, format), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string, format CheckpointFormat) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		saver:  NewCheckpointSaver(format),
	}
}

func (s *S3Store) key(name string) string {
	return path.Join(s.prefix, name+s.saver.Format().Extension())
}

func (s *S3Store) Location(name string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(name))
}

func (s *S3Store) Save(ctx context.Context, name string, checkpoint *Checkpoint) error {
	data, err := s.saver.Marshal(checkpoint)
	if err != nil {
		return err
	}
	contentType := "application/json"
	if s.saver.Format() == FormatProto {
		contentType = "application/x-protobuf"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload checkpoint to %s: %v", s.Location(name), err)
	}
	return nil
}

func (s *S3Store) Load(ctx context.Context, name string) (*Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", s.Location(name), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download checkpoint from %s: %v", s.Location(name), err)
	}
	defer out.Body.Close()
	return s.saver.Decode(out.Body)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// OpenStore picks an S3Store for "s3://bucket/prefix" locations and a
// FileStore for anything else. s3 fields other than bucket and prefix come
// from base.
func OpenStore(ctx context.Context, location string, base S3Config, format CheckpointFormat) (Store, error) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		base.Bucket = bucket
		base.Prefix = prefix
		return NewS3Store(ctx, base, format)
	}
	return NewFileStore(location, format)
}
