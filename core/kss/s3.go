package kss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/relabs-tech/docrest/core/logger"
	"github.com/sirupsen/logrus"
)

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSRegion     string
	AWSBucketName string
	KeyPrefix     string
}

// S3 is the implementation of the Driver for AWS S3
type S3 struct {
	client      *s3.Client
	presign     *s3.PresignClient
	uploader    *manager.Uploader
	bucket      string
	baseKeyName string
	log         logrus.FieldLogger
}

// NewS3 returns a new S3. Static credentials are used when an access id is configured,
// otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, kssConfig S3Configuration, log logrus.FieldLogger) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, errors.New("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(kssConfig.AWSRegion)}
	if kssConfig.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	log.Debugln("KSS S3 enabled")
	return &S3{
		client:      client,
		presign:     s3.NewPresignClient(client),
		uploader:    manager.NewUploader(client),
		bucket:      kssConfig.AWSBucketName,
		baseKeyName: kssConfig.KeyPrefix,
		log:         log,
	}, nil
}

// Put uploads the content of r into the key object
func (s *S3) Put(ctx context.Context, key, contentType string, r io.Reader) error {
	if err := validKey(key); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload file %s: %w", s.baseKeyName+key, err)
	}
	logger.FromContext(ctx, s.log).Infoln("Uploaded ", s.baseKeyName+key)
	return nil
}

// Delete deletes the key file
func (s *S3) Delete(ctx context.Context, key string) error {
	rlog := logger.FromContext(ctx, s.log)
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		rlog.Error("Could not delete ", s.baseKeyName+key)
		return err
	}
	rlog.Infoln("Deleted ", s.baseKeyName+key)
	return nil
}

// GetURL returns a pre-signed GET URL that can be used until expireIn has passed
func (s *S3) GetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if expireIn <= 0 {
		expireIn = DefaultExpiry
	}
	resp, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	}, s3.WithPresignExpires(expireIn))
	if err != nil {
		return "", fmt.Errorf("cannot presign '%s': %w", s.baseKeyName+key, err)
	}
	return resp.URL, nil
}
