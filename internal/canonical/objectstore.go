package canonical

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MappingKeyPrefix is the fixed object-store prefix convention for canonical
// mapping files: mappings/canonical/<table>.json.
const MappingKeyPrefix = "mappings/canonical/"

// ErrObjectNotFound is returned when the requested object does not exist in
// the store. Callers treat it like a missing local file and fall through to
// the next mapping source.
var ErrObjectNotFound = errors.New("object not found")

type (
	// ObjectStore fetches raw objects from a remote store. The mapper uses it
	// as the third mapping-resolution tier, after the configured mapping
	// directory and the working directory.
	ObjectStore interface {
		// Get returns the object's contents. Returns ErrObjectNotFound when the
		// key does not exist.
		Get(ctx context.Context, key string) ([]byte, error)
	}

	// S3Store implements ObjectStore over an S3 bucket.
	S3Store struct {
		client *s3.Client
		bucket string
	}
)

// Compile-time interface assertion.
var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates an S3-backed object store. The client is injected so the
// core stays testable without ambient AWS configuration.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// MappingKey returns the conventional object key for a table's mapping file.
func MappingKey(tableType string) string {
	return MappingKeyPrefix + tableType + ".json"
}

// Get implements ObjectStore.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, s.bucket, key)
		}

		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", s.bucket, key, err)
	}

	defer func() {
		_ = output.Body.Close()
	}()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, key, err)
	}

	return data, nil
}
