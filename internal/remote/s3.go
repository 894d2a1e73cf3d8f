package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/pkg/errors"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

// S3Client stores items as JSON objects in an S3-compatible bucket. S3 has no
// server-side compare-and-swap on arbitrary metadata, so optimistic locking is
// enforced client side: read the current object, compare versions, then put.
// The engine's single drain loop keeps that window harmless in practice.
type S3Client struct {
	client  *s3.Client
	bucket  string
	prefix  string
	breaker *Breaker
	logger  *utils.StructuredLogger
}

// NewS3Client creates an S3 remote client. breaker may be nil.
func NewS3Client(ctx context.Context, cfg config.RemoteConfig, breaker *Breaker, logger *utils.StructuredLogger) (*S3Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "load AWS config", err).
			WithComponent("remote")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		if cfg.S3.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client:  client,
		bucket:  cfg.S3.Bucket,
		prefix:  cfg.S3.Prefix,
		breaker: breaker,
		logger:  logger.WithComponent("remote"),
	}, nil
}

func (c *S3Client) key(id string) string {
	return path.Join(c.prefix, id+".json")
}

// Get fetches an item object, returning (nil, nil) when the key is absent.
func (c *S3Client) Get(ctx context.Context, id string) (*types.Item, error) {
	var item *types.Item
	err := c.guarded(func() error {
		var err error
		item, err = c.fetch(ctx, id)
		return err
	})
	return item, err
}

func (c *S3Client) fetch(ctx context.Context, id string) (*types.Item, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, s3Error("get", id, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s3Error("get", id, err)
	}
	var item types.Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRemoteRejected, "decode item object", err).WithEntity(id)
	}
	return &item, nil
}

// Create stores a new item object. The stored copy, version bumped to 1 if
// unset, is returned as the authoritative state.
func (c *S3Client) Create(ctx context.Context, item *types.Item) (*types.Item, error) {
	var created *types.Item
	err := c.guarded(func() error {
		stored := item.Clone()
		if stored.Version == 0 {
			stored.Version = 1
		}
		if err := c.put(ctx, stored); err != nil {
			return err
		}
		created = stored
		return nil
	})
	return created, err
}

// Update enforces the version expectation by reading the current object
// first. A mismatch comes back through the ConflictRecord.
func (c *S3Client) Update(ctx context.Context, item *types.Item, expectedVersion int64) (*types.Item, *types.ConflictRecord, error) {
	var (
		updated  *types.Item
		conflict *types.ConflictRecord
	)
	err := c.guarded(func() error {
		current, err := c.fetch(ctx, item.ID)
		if err != nil {
			return err
		}
		if current != nil && current.Version != expectedVersion {
			conflict = &types.ConflictRecord{
				Detected:       true,
				CurrentVersion: current.Version,
				ServerData:     current,
			}
			return nil
		}

		stored := item.Clone()
		stored.Version = expectedVersion + 1
		if err := c.put(ctx, stored); err != nil {
			return err
		}
		updated = stored
		return nil
	})
	return updated, conflict, err
}

// Delete removes the item object. A missing key counts as success.
func (c *S3Client) Delete(ctx context.Context, id string) error {
	return c.guarded(func() error {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.key(id)),
		})
		if err != nil && !isNoSuchKey(err) {
			return s3Error("delete", id, err)
		}
		return nil
	})
}

// HealthCheck probes bucket reachability.
func (c *S3Client) HealthCheck(ctx context.Context) bool {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	return err == nil
}

func (c *S3Client) put(ctx context.Context, item *types.Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidItem, "encode item", err).WithEntity(item.ID)
	}
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(item.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s3Error("put", item.ID, err)
	}
	return nil
}

func (c *S3Client) guarded(fn func() error) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return err
		}
	}
	err := fn()
	if c.breaker != nil {
		c.breaker.Record(err)
	}
	return err
}

func isNoSuchKey(err error) bool {
	var noKey *s3types.NoSuchKey
	return stderrors.As(err, &noKey)
}

func s3Error(op, id string, err error) error {
	return errors.Wrap(errors.ErrCodeRemoteUnavailable, "s3 "+op+" failed", err).
		WithComponent("remote").
		WithOperation(op).
		WithEntity(id)
}
