package spkg

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient uploads distfiles to an S3-compatible bucket.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
	KeyPrefix  string
}

// NewMirrorClient initializes a client from the mirror settings.
func NewMirrorClient(ctx context.Context, m MirrorConfig) (*MirrorClient, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("mirror credentials missing in configuration (SPKG_MIRROR_BUCKET, SPKG_MIRROR_ACCESS_KEY_ID, SPKG_MIRROR_SECRET_ACCESS_KEY)")
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")),
		config.WithRegion(m.Region),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if m.Endpoint != "" {
			o.BaseEndpoint = aws.String(m.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &MirrorClient{Client: client, BucketName: m.Bucket, KeyPrefix: m.Prefix}, nil
}

// Key returns the object key for a distfile name.
func (c *MirrorClient) Key(name string) string {
	if c.KeyPrefix == "" {
		return name
	}
	return path.Join(c.KeyPrefix, name)
}

// UploadLocalFile uploads a file from disk under key.
func (c *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	return err
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".tar.gz"), strings.HasSuffix(key, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(key, ".xz"):
		return "application/x-xz"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	}
	return "application/octet-stream"
}

// MirrorObject represents metadata for an object in the mirror bucket.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket under prefix.
func (c *MirrorClient) ListObjects(ctx context.Context, prefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(c.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

// uploadDistfiles uploads each file, skipping objects already present with
// the same size unless force is set.
func uploadDistfiles(ctx context.Context, client *MirrorClient, files []string, force bool) error {
	existing := make(map[string]int64)
	if !force {
		objs, err := client.ListObjects(ctx, client.KeyPrefix)
		if err != nil {
			return fmt.Errorf("failed to list mirror objects: %w", err)
		}
		for _, o := range objs {
			existing[o.Key] = o.Size
		}
	}

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("cannot upload %s: %w", f, err)
		}
		key := client.Key(filepath.Base(f))
		if size, ok := existing[key]; ok && size == info.Size() {
			debugf("Skipping %s: already on mirror\n", key)
			continue
		}
		step("Uploading %s", key)
		if err := client.UploadLocalFile(ctx, key, f); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}
	return nil
}
