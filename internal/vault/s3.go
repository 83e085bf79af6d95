package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chronicler/internal/archive"
)

// Environment variables that override the default AWS credential chain.
const (
	EnvS3AccessKeyID     = "CHRONICLER_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey = "CHRONICLER_S3_SECRET_ACCESS_KEY"
)

// S3Options configures an S3Vault.
type S3Options struct {
	Name     string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // S3-compatible endpoint; path-style addressing is used when set
}

// S3Vault mirrors attachments into an S3 bucket as <prefix>/content/<checksum>.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault loads AWS configuration and builds an S3 client.
func NewS3Vault(ctx context.Context, opts S3Options) (*S3Vault, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 vault requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if id, secret := os.Getenv(EnvS3AccessKeyID), os.Getenv(EnvS3SecretAccessKey); id != "" && secret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Vault{
		name:     opts.Name,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) objectKey(checksum string) string {
	return path.Join(v.prefix, "content", checksum)
}

// countingReader records how many bytes the uploader consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (v *S3Vault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	cr := &countingReader{r: r}
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(checksum)),
		Body:   cr,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", checksum, err)
	}
	if cr.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
	}
	return nil
}

func (v *S3Vault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := validateChecksum(checksum); err != nil {
		return err
	}
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(checksum)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s", ErrNotFound, checksum)
		}
		return fmt.Errorf("downloading %s: %w", checksum, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading %s: %w", checksum, err)
	}
	return nil
}

func (v *S3Vault) HasContent(ctx context.Context, checksum string) (bool, error) {
	if err := validateChecksum(checksum); err != nil {
		return false, err
	}
	_, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.objectKey(checksum)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", checksum, err)
	}
	return true, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

var _ archive.Vault = (*S3Vault)(nil)
