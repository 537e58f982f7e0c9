package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/danavision/api/internal/config"
)

// SnapshotArchive keeps the scraped content a price was extracted from, so
// a surprising price can be traced back to the page that produced it.
type SnapshotArchive interface {
	ArchivePage(ctx context.Context, jobID, pageURL, markdown string) (string, error)
}

// R2Archive implements SnapshotArchive on Cloudflare R2 (S3 API)
type R2Archive struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
}

// NewR2Archive creates a new R2 snapshot archive
func NewR2Archive(cfg *config.R2Config) (*R2Archive, error) {
	if cfg.AccountID == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("R2 configuration incomplete")
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: endpoint,
		}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(r2Resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &R2Archive{
		s3Client:   s3.NewFromConfig(awsCfg),
		bucketName: cfg.BucketName,
		publicURL:  cfg.PublicURL,
	}, nil
}

// ArchivePage stores markdown under snapshots/<date>/<job>/<url hash>.md
// and returns its public URL.
func (a *R2Archive) ArchivePage(ctx context.Context, jobID, pageURL, markdown string) (string, error) {
	sum := sha1.Sum([]byte(pageURL))
	key := fmt.Sprintf("snapshots/%s/%s/%s.md",
		time.Now().UTC().Format("2006-01-02"), jobID, hex.EncodeToString(sum[:]))

	body := fmt.Sprintf("<!-- source: %s -->\n%s", pageURL, markdown)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucketName),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/markdown; charset=utf-8"),
	}

	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload snapshot to R2: %w", err)
	}

	return a.publicURLFor(key), nil
}

func (a *R2Archive) publicURLFor(key string) string {
	if a.publicURL != "" {
		return fmt.Sprintf("%s/%s", a.publicURL, key)
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com/%s", a.bucketName, key)
}
