// Package s3store authorizes multipart uploads against an S3-compatible object store.
// It runs next to the store credentials and hands clients pre-signed part URLs, so the
// media bytes never pass through the application server.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/reelcut/mediaupload/multipart"
)

const (
	// DefaultPresignExpiry is how long a pre-signed part URL stays valid.
	DefaultPresignExpiry = time.Hour
	// MaxPartNumber is the highest part number S3 accepts.
	MaxPartNumber = 10000
	// maxDeleteBatch is the DeleteObjects request limit.
	maxDeleteBatch = 1000
	numRetries     = 3

	ProviderAWS = "aws"
	ProviderB2  = "b2"
)

var (
	// ErrSessionNotFound is returned when the store does not know the upload id.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrInvalidParts is returned when the store refuses to assemble the given parts.
	ErrInvalidParts = errors.New("parts rejected by the store")
	// ErrInvalidPartNumber is returned for part numbers outside 1..MaxPartNumber.
	ErrInvalidPartNumber = errors.New("part number out of range")
)

// S3API is the subset of the S3 client used by the Store.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Presigner creates pre-signed write requests.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Params ...
type Params struct {
	// Provider selects endpoint defaults: "aws" (default) or "b2" for Backblaze B2.
	Provider        string
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// CDNBaseURL prefixes object keys to form public URLs.
	CDNBaseURL    string
	PresignExpiry time.Duration
}

// Store implements multipart.AuthorizationClient on top of S3 multipart uploads.
type Store struct {
	client        S3API
	presigner     Presigner
	bucket        string
	cdnBaseURL    string
	presignExpiry time.Duration
	retryWait     time.Duration
	logger        log.Logger
}

// New connects to the store described by params.
func New(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	endpoint, err := resolveEndpoint(params)
	if err != nil {
		return nil, err
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, s3.NewPresignClient(client), params, logger), nil
}

// NewWithClient creates a Store using already configured S3 clients.
func NewWithClient(client S3API, presigner Presigner, params Params, logger log.Logger) *Store {
	expiry := params.PresignExpiry
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}

	return &Store{
		client:        client,
		presigner:     presigner,
		bucket:        params.Bucket,
		cdnBaseURL:    strings.TrimRight(params.CDNBaseURL, "/"),
		presignExpiry: expiry,
		retryWait:     5 * time.Second,
		logger:        logger,
	}
}

// Initiate starts a multipart upload for key.
func (s *Store) Initiate(ctx context.Context, key, contentType string) (multipart.Session, error) {
	if key == "" {
		return multipart.Session{}, fmt.Errorf("key must not be empty")
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	output, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return multipart.Session{}, classify("create multipart upload", err)
	}
	if output.UploadId == nil || *output.UploadId == "" {
		return multipart.Session{}, fmt.Errorf("create multipart upload: store returned no upload id")
	}

	s.logger.Debugf("Multipart upload %s started for %s", *output.UploadId, key)

	return multipart.Session{ID: *output.UploadId, Key: key, ContentType: contentType}, nil
}

// AuthorizePart pre-signs an UploadPart request for one part of the session.
func (s *Store) AuthorizePart(ctx context.Context, session multipart.Session, partNumber int) (multipart.TransferTarget, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return multipart.TransferTarget{}, fmt.Errorf("part %d: %w", partNumber, ErrInvalidPartNumber)
	}
	if session.ID == "" || session.Key == "" {
		return multipart.TransferTarget{}, fmt.Errorf("part %d: %w", partNumber, ErrSessionNotFound)
	}

	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(session.Key),
		UploadId:   aws.String(session.ID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.presignExpiry
	})
	if err != nil {
		return multipart.TransferTarget{}, fmt.Errorf("presign upload part %d: %w", partNumber, err)
	}

	return targetFromRequest(req), nil
}

// Complete assembles the object from parts and returns its public URL.
func (s *Store) Complete(ctx context.Context, session multipart.Session, parts []multipart.PartResult) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("complete multipart upload: %w: no parts", ErrInvalidParts)
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
	}

	output, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(session.Key),
		UploadId:        aws.String(session.ID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", classify("complete multipart upload", err)
	}

	s.logger.Debugf("Multipart upload %s completed with %d parts", session.ID, len(parts))

	if s.cdnBaseURL == "" && output.Location != nil {
		return *output.Location, nil
	}
	return s.ObjectURL(session.Key), nil
}

// AuthorizeDirect pre-signs a single PutObject request for key.
func (s *Store) AuthorizeDirect(ctx context.Context, key, contentType string) (multipart.TransferTarget, string, error) {
	if key == "" {
		return multipart.TransferTarget{}, "", fmt.Errorf("key must not be empty")
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = s.presignExpiry
	})
	if err != nil {
		return multipart.TransferTarget{}, "", fmt.Errorf("presign put object: %w", err)
	}

	objectURL, err := s.directURL(req, key)
	if err != nil {
		return multipart.TransferTarget{}, "", err
	}

	return targetFromRequest(req), objectURL, nil
}

// directURL returns the CDN URL of key, or the pre-signed URL without its signature when no CDN is set.
func (s *Store) directURL(req *v4.PresignedHTTPRequest, key string) (string, error) {
	if s.cdnBaseURL != "" {
		return s.ObjectURL(key), nil
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("parse presigned url: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Abort discards the session and every part uploaded to it.
// Aborting a session the store no longer knows is not an error.
func (s *Store) Abort(ctx context.Context, session multipart.Session) error {
	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			s.logger.Debugf("Retrying abort of %s (attempt %d)", session.ID, attempt)
		}

		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(session.Key),
			UploadId: aws.String(session.ID),
		})
		if err != nil {
			err = classify("abort multipart upload", err)
			if errors.Is(err, ErrSessionNotFound) {
				return nil, true
			}
			return err, ctx.Err() != nil
		}

		s.logger.Debugf("Multipart upload %s aborted", session.ID)
		return nil, true
	})
}

// DeleteFolder removes every object whose key starts with prefix and returns how many were deleted.
func (s *Store) DeleteFolder(ctx context.Context, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("refusing to delete with an empty prefix")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, classify("list objects", err)
		}

		var batch []types.ObjectIdentifier
		for _, object := range page.Contents {
			batch = append(batch, types.ObjectIdentifier{Key: object.Key})
			if len(batch) == maxDeleteBatch {
				if err := s.deleteBatch(ctx, batch); err != nil {
					return deleted, err
				}
				deleted += len(batch)
				batch = nil
			}
		}
		if len(batch) > 0 {
			if err := s.deleteBatch(ctx, batch); err != nil {
				return deleted, err
			}
			deleted += len(batch)
		}
	}

	s.logger.Debugf("Deleted %d objects under %s", deleted, prefix)

	return deleted, nil
}

func (s *Store) deleteBatch(ctx context.Context, objects []types.ObjectIdentifier) error {
	return retry.Times(numRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		output, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classify("delete objects", err), ctx.Err() != nil
		}
		if len(output.Errors) > 0 {
			first := output.Errors[0]
			return fmt.Errorf("delete objects: %d of %d failed, first: %s: %s",
				len(output.Errors), len(objects), aws.ToString(first.Key), aws.ToString(first.Message)), false
		}
		return nil, true
	})
}

// ObjectURL returns the public URL of key.
func (s *Store) ObjectURL(key string) string {
	return s.cdnBaseURL + "/" + strings.TrimLeft(key, "/")
}

func targetFromRequest(req *v4.PresignedHTTPRequest) multipart.TransferTarget {
	headers := map[string]string{}
	for name, values := range req.SignedHeader {
		// Host is derived from the URL by the HTTP client.
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	method := req.Method
	if method == "" {
		method = http.MethodPut
	}

	return multipart.TransferTarget{Method: method, URL: req.URL, Headers: headers}
}

func resolveEndpoint(params Params) (string, error) {
	if params.Endpoint != "" {
		return strings.TrimRight(params.Endpoint, "/"), nil
	}

	switch params.Provider {
	case "", ProviderAWS:
		return "", nil
	case ProviderB2:
		if params.Region == "" {
			return "", fmt.Errorf("region must not be empty for provider %s", ProviderB2)
		}
		return fmt.Sprintf("https://s3.%s.backblazeb2.com", params.Region), nil
	default:
		return "", fmt.Errorf("unknown storage provider: %s", params.Provider)
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static credentials for the object store")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("Static credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

func classify(op string, err error) error {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return fmt.Errorf("%s: %w: %w", op, ErrSessionNotFound, err)
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "NoSuchUpload":
			return fmt.Errorf("%s: %w: %w", op, ErrSessionNotFound, err)
		case "EntityTooSmall", "InvalidPart", "InvalidPartOrder":
			return fmt.Errorf("%s: %w: %w", op, ErrInvalidParts, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
