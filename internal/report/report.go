// Package report renders daily delivery reports and exports them to S3.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/domain/ward"
)

// Document is the exported form of a delivery report
type Document struct {
	GeneratedAt time.Time `json:"generated_at"`
	ward.DeliveryReport
}

// Build renders rep as an indented JSON document
func Build(rep ward.DeliveryReport, generatedAt time.Time) ([]byte, error) {
	data, err := json.MarshalIndent(Document{GeneratedAt: generatedAt.UTC(), DeliveryReport: rep}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// Key returns the object key for the report of day (YYYY-MM-DD)
func Key(prefix, day string) string {
	return path.Join(prefix, "deliveries-"+day+".json")
}

// PutObjectAPI is the part of the S3 client the exporter uses
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter uploads delivery reports to a bucket
type S3Exporter struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Exporter builds an exporter from the report configuration. Static
// credentials are used when set, otherwise the default AWS chain.
func NewS3Exporter(ctx context.Context, cfg config.ReportConfig, logger *zap.Logger) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("report bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewExporter(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewExporter creates an exporter over an existing client
func NewExporter(client PutObjectAPI, bucket, prefix string, logger *zap.Logger) *S3Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Export uploads rep and returns its s3:// location
func (e *S3Exporter) Export(ctx context.Context, rep ward.DeliveryReport, generatedAt time.Time) (string, error) {
	body, err := Build(rep, generatedAt)
	if err != nil {
		return "", err
	}
	key := Key(e.prefix, rep.Day)

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"report-day":     rep.Day,
			"delivery-count": strconv.Itoa(rep.Count),
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	location := "s3://" + e.bucket + "/" + key
	e.logger.Info("delivery report exported",
		zap.String("location", location),
		zap.Int("deliveries", rep.Count))
	return location, nil
}
