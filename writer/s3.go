package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/lduynkerke/FundingRateLogger/config"
	"github.com/lduynkerke/FundingRateLogger/logger"
)

// s3Uploader mirrors finished capture files into an S3 bucket, partitioned
// by symbol and date so rounds stay distinguishable.
type s3Uploader struct {
	config *appconfig.Config
	client *s3.Client
	log    *logger.Log
}

func newS3Uploader(cfg *appconfig.Config) (*s3Uploader, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	// Configure AWS options
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("capture_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	// Validate credentials
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("capture_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 uploader initialized")

	return &s3Uploader{config: cfg, client: client, log: log}, nil
}

// uploadFile puts one local file under
// <prefix>/symbol=<symbol>/date=<YYYY-MM-DD>/<filename>.
func (u *s3Uploader) uploadFile(ctx context.Context, path, symbol string, fundingTime time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read capture file: %w", err)
	}

	key := u.objectKey(filepath.Base(path), symbol, fundingTime)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"fundinglogger-version": u.config.FundingLogger.Version,
		},
	}

	// Uploads finish even when the tick context is being torn down.
	ctx = context.WithoutCancel(ctx)
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", u.config.Storage.S3.Bucket, err)
	}

	u.log.WithComponent("capture_writer").WithFields(logger.Fields{
		"s3_key": key,
		"size":   len(data),
	}).Info("uploaded capture file to S3")
	return nil
}

func (u *s3Uploader) objectKey(filename, symbol string, fundingTime time.Time) string {
	parts := []string{}
	if u.config.Storage.S3.Prefix != "" {
		parts = append(parts, u.config.Storage.S3.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("date=%s", fundingTime.UTC().Format("2006-01-02")),
		filename,
	)
	return filepath.ToSlash(filepath.Join(parts...))
}
