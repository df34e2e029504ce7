// Package s3 provides the S3-backed analysis store for deployments
// without durable local disk.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chartsense/chartsense/pkg/errors"
	"github.com/chartsense/chartsense/pkg/types"
)

// Config represents S3 store configuration.
type Config struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// NewDefaultConfig returns a default S3 store configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Prefix:     "analysis/",
		Region:     "us-east-1",
		MaxRetries: 3,
	}
}

// envelope is the stored object body: entry metadata plus payload.
type envelope struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Store implements types.AnalysisStore over one S3 bucket prefix. Each
// entry is a single JSON envelope object keyed by its fingerprint.
// Type/instrument deletes and statistics list the prefix and filter; at
// archive-tier entry counts that is acceptable.
type Store struct {
	client *awss3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an S3 store. Credentials come from the config when set,
// otherwise from the default AWS chain.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 store: bucket is required").
			WithComponent("s3")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "load AWS config", err).
			WithComponent("s3")
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix, now: time.Now}, nil
}

// FindByKey returns the entry for a key, or nil when absent.
func (s *Store) FindByKey(ctx context.Context, key string) (*types.AnalysisEntry, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "get object", err).
			WithComponent("s3").WithContext("key", key)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "read object body", err).
			WithComponent("s3").WithContext("key", key)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(errors.ErrCodeEntryCorrupted, "decode envelope", err).
			WithComponent("s3").WithContext("key", key)
	}

	return &types.AnalysisEntry{
		Key:        env.Key,
		Type:       env.Type,
		Instrument: env.Instrument,
		Timeframe:  env.Timeframe,
		Payload:    env.Payload,
		CreatedAt:  env.CreatedAt,
		ExpiresAt:  env.ExpiresAt,
	}, nil
}

// Save uploads one entry, replacing any prior object under the same key.
func (s *Store) Save(ctx context.Context, entry *types.AnalysisEntry) error {
	env := envelope{
		Key:        entry.Key,
		Type:       entry.Type,
		Instrument: entry.Instrument,
		Timeframe:  entry.Timeframe,
		Payload:    entry.Payload,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
	}
	body, err := json.Marshal(&env)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "encode envelope", err).
			WithComponent("s3").WithContext("key", entry.Key)
	}

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(entry.Key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "put object", err).
			WithComponent("s3").WithContext("key", entry.Key)
	}
	return nil
}

// DeleteExpired removes every object whose envelope expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	now := s.now()
	return s.deleteMatching(ctx, func(env *envelope) bool {
		return !env.ExpiresAt.IsZero() && now.After(env.ExpiresAt)
	})
}

// DeleteByType removes entries of one type, optionally narrowed to one
// instrument.
func (s *Store) DeleteByType(ctx context.Context, analysisType, instrument string) (int, error) {
	return s.deleteMatching(ctx, func(env *envelope) bool {
		if env.Type != analysisType {
			return false
		}
		return instrument == "" || env.Instrument == instrument
	})
}

// DeleteByInstrument removes all entries for one instrument.
func (s *Store) DeleteByInstrument(ctx context.Context, instrument string) (int, error) {
	return s.deleteMatching(ctx, func(env *envelope) bool {
		return env.Instrument == instrument
	})
}

// DeleteAll removes every entry under the prefix.
func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	return s.deleteMatching(ctx, func(*envelope) bool { return true })
}

// Statistics reports entry counts overall, per type, and expired.
func (s *Store) Statistics(ctx context.Context) (map[string]interface{}, error) {
	var total, expired int
	byType := make(map[string]int)
	now := s.now()

	err := s.forEach(ctx, func(env *envelope) error {
		total++
		byType[env.Type]++
		if !env.ExpiresAt.IsZero() && now.After(env.ExpiresAt) {
			expired++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_entries":   total,
		"expired_entries": expired,
		"entries_by_type": byType,
	}, nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key + ".json"
}

func (s *Store) deleteMatching(ctx context.Context, match func(*envelope) bool) (int, error) {
	var toDelete []string
	err := s.forEach(ctx, func(env *envelope) error {
		if match(env) {
			toDelete = append(toDelete, s.objectKey(env.Key))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, objKey := range toDelete {
		_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return deleted, errors.Wrap(errors.ErrCodeStorageDelete, "delete object", err).
				WithComponent("s3").WithContext("object", objKey)
		}
		deleted++
	}
	return deleted, nil
}

// forEach fetches and decodes every envelope under the prefix. Corrupted
// objects are skipped rather than failing the whole scan.
func (s *Store) forEach(ctx context.Context, fn func(*envelope) error) error {
	paginator := awss3.NewListObjectsV2Paginator(s.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return errors.Wrap(errors.ErrCodeStorageRead, "list objects", err).
				WithComponent("s3")
		}

		for _, obj := range page.Contents {
			out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return errors.Wrap(errors.ErrCodeStorageRead, "get object", err).
					WithComponent("s3").WithContext("object", aws.ToString(obj.Key))
			}

			body, err := io.ReadAll(out.Body)
			_ = out.Body.Close()
			if err != nil {
				return errors.Wrap(errors.ErrCodeStorageRead, "read object body", err).
					WithComponent("s3").WithContext("object", aws.ToString(obj.Key))
			}

			var env envelope
			if err := json.Unmarshal(body, &env); err != nil {
				continue
			}
			if err := fn(&env); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if stderrors.As(err, &noKey) {
		return true
	}
	var notFound *s3types.NotFound
	return stderrors.As(err, &notFound)
}
