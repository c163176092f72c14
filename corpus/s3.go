package corpus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client builds a client pointed at a single endpoint with static
// credentials — the aws-sdk-go-v2 equivalent of the teacher's
// NewS3Storage constructor (same endpoint/access-key/secret shape, a
// different SDK, since go.mod carries aws-sdk-go-v2 rather than the
// minio client the teacher's storage package used).
func NewS3Client(region, endpoint, accessKeyID, secretAccessKey string) *s3.Client {
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		UsePathStyle: true,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return s3.New(opts)
}

// S3Source serves messages from objects in an S3 bucket, listing keys
// once at construction and fetching bodies lazily. A nil client (no
// S3 configured) makes every Next call fall through to fallback —
// SPEC_FULL.md §4.11's "optional; falls back to LocalSource when
// unconfigured".
type S3Source struct {
	client   *s3.Client
	bucket   string
	fallback Source

	mu   sync.Mutex
	keys []string
	next int
}

// NewS3Source lists bucket/prefix via client for candidate objects.
// client may be nil, in which case Next always defers to fallback.
func NewS3Source(ctx context.Context, client *s3.Client, bucket, prefix string, fallback Source) (*S3Source, error) {
	src := &S3Source{client: client, bucket: bucket, fallback: fallback}
	if client == nil {
		return src, nil
	}

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("corpus: listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				src.keys = append(src.keys, *obj.Key)
			}
		}
	}
	return src, nil
}

func (s *S3Source) Next(ctx context.Context) (header, body []byte, err error) {
	if s.client == nil || len(s.keys) == 0 {
		if s.fallback == nil {
			return nil, nil, fmt.Errorf("corpus: no S3 client configured and no fallback source")
		}
		return s.fallback.Next(ctx)
	}

	s.mu.Lock()
	key := s.keys[s.next%len(s.keys)]
	s.next++
	s.mu.Unlock()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, nil, fmt.Errorf("corpus: fetching s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("corpus: reading s3://%s/%s: %w", s.bucket, key, err)
	}
	return splitMessage(raw)
}
