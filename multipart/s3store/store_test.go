package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reelcut/mediaupload/multipart"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListObjectsV2Output)
	return out, args.Error(1)
}

func (m *mockS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.DeleteObjectsOutput)
	return out, args.Error(1)
}

func newPresigner() *s3.PresignClient {
	client := s3.New(s3.Options{
		Region:       "eu-central-003",
		Credentials:  credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "SECRETEXAMPLE", ""),
		BaseEndpoint: aws.String("https://s3.eu-central-003.backblazeb2.com"),
		UsePathStyle: true,
	})
	return s3.NewPresignClient(client)
}

func newTestStore(client S3API) *Store {
	store := NewWithClient(client, newPresigner(), Params{
		Bucket:     "media",
		CDNBaseURL: "https://cdn.example.com/",
	}, log.NewLogger())
	store.retryWait = 0
	return store
}

func TestStore_Initiate(t *testing.T) {
	client := new(mockS3)
	client.On("CreateMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.CreateMultipartUploadInput) bool {
		return aws.ToString(in.Bucket) == "media" &&
			aws.ToString(in.Key) == "videos/a.mp4" &&
			aws.ToString(in.ContentType) == "video/mp4"
	})).Return(&s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil)

	session, err := newTestStore(client).Initiate(context.Background(), "videos/a.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, multipart.Session{ID: "upload-1", Key: "videos/a.mp4", ContentType: "video/mp4"}, session)
	client.AssertExpectations(t)
}

func TestStore_Initiate_MissingUploadID(t *testing.T) {
	client := new(mockS3)
	client.On("CreateMultipartUpload", mock.Anything, mock.Anything).Return(&s3.CreateMultipartUploadOutput{}, nil)

	_, err := newTestStore(client).Initiate(context.Background(), "a.mp4", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upload id")
}

func TestStore_Initiate_EmptyKey(t *testing.T) {
	client := new(mockS3)

	_, err := newTestStore(client).Initiate(context.Background(), "", "video/mp4")
	require.Error(t, err)
	client.AssertNotCalled(t, "CreateMultipartUpload", mock.Anything, mock.Anything)
}

func TestStore_AuthorizePart(t *testing.T) {
	store := newTestStore(new(mockS3))
	session := multipart.Session{ID: "upload-1", Key: "videos/a.mp4"}

	target, err := store.AuthorizePart(context.Background(), session, 2)
	require.NoError(t, err)
	assert.Equal(t, "PUT", target.Method)
	_, hasHost := target.Headers["Host"]
	assert.False(t, hasHost)

	u, err := url.Parse(target.URL)
	require.NoError(t, err)
	assert.Equal(t, "s3.eu-central-003.backblazeb2.com", u.Host)
	assert.Equal(t, "/media/videos/a.mp4", u.Path)

	query := u.Query()
	assert.Equal(t, "2", query.Get("partNumber"))
	assert.Equal(t, "upload-1", query.Get("uploadId"))
	assert.Equal(t, "3600", query.Get("X-Amz-Expires"))
	assert.NotEmpty(t, query.Get("X-Amz-Signature"))
}

func TestStore_AuthorizePart_CustomExpiry(t *testing.T) {
	store := NewWithClient(new(mockS3), newPresigner(), Params{Bucket: "media", PresignExpiry: 15 * time.Minute}, log.NewLogger())

	target, err := store.AuthorizePart(context.Background(), multipart.Session{ID: "u", Key: "k"}, 1)
	require.NoError(t, err)

	u, err := url.Parse(target.URL)
	require.NoError(t, err)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func TestStore_AuthorizePart_InvalidInput(t *testing.T) {
	store := newTestStore(new(mockS3))

	for _, n := range []int{0, -1, MaxPartNumber + 1} {
		_, err := store.AuthorizePart(context.Background(), multipart.Session{ID: "u", Key: "k"}, n)
		assert.ErrorIs(t, err, ErrInvalidPartNumber, "part %d", n)
	}

	_, err := store.AuthorizePart(context.Background(), multipart.Session{Key: "k"}, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_Complete(t *testing.T) {
	client := new(mockS3)
	client.On("CompleteMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.CompleteMultipartUploadInput) bool {
		parts := in.MultipartUpload.Parts
		return aws.ToString(in.UploadId) == "upload-1" &&
			len(parts) == 2 &&
			aws.ToInt32(parts[0].PartNumber) == 1 && aws.ToString(parts[0].ETag) == `"e1"` &&
			aws.ToInt32(parts[1].PartNumber) == 2 && aws.ToString(parts[1].ETag) == `"e2"`
	})).Return(&s3.CompleteMultipartUploadOutput{Location: aws.String("https://origin/media/videos/a.mp4")}, nil)

	objectURL, err := newTestStore(client).Complete(context.Background(),
		multipart.Session{ID: "upload-1", Key: "videos/a.mp4"},
		[]multipart.PartResult{{PartNumber: 1, ETag: `"e1"`}, {PartNumber: 2, ETag: `"e2"`}})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/videos/a.mp4", objectURL)
	client.AssertExpectations(t)
}

func TestStore_Complete_FallsBackToLocation(t *testing.T) {
	client := new(mockS3)
	client.On("CompleteMultipartUpload", mock.Anything, mock.Anything).
		Return(&s3.CompleteMultipartUploadOutput{Location: aws.String("https://origin/media/a.mp4")}, nil)

	store := NewWithClient(client, newPresigner(), Params{Bucket: "media"}, log.NewLogger())
	objectURL, err := store.Complete(context.Background(), multipart.Session{ID: "u", Key: "a.mp4"},
		[]multipart.PartResult{{PartNumber: 1, ETag: "e"}})
	require.NoError(t, err)
	assert.Equal(t, "https://origin/media/a.mp4", objectURL)
}

func TestStore_Complete_NoParts(t *testing.T) {
	client := new(mockS3)

	_, err := newTestStore(client).Complete(context.Background(), multipart.Session{ID: "u", Key: "k"}, nil)
	assert.ErrorIs(t, err, ErrInvalidParts)
	client.AssertNotCalled(t, "CompleteMultipartUpload", mock.Anything, mock.Anything)
}

func TestStore_Complete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "typed no such upload",
			err:     &types.NoSuchUpload{Message: aws.String("gone")},
			wantErr: ErrSessionNotFound,
		},
		{
			name:    "invalid part",
			err:     &smithy.GenericAPIError{Code: "InvalidPart", Message: "etag mismatch"},
			wantErr: ErrInvalidParts,
		},
		{
			name:    "entity too small",
			err:     &smithy.GenericAPIError{Code: "EntityTooSmall", Message: "part too small"},
			wantErr: ErrInvalidParts,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(mockS3)
			client.On("CompleteMultipartUpload", mock.Anything, mock.Anything).Return(nil, tt.err)

			_, err := newTestStore(client).Complete(context.Background(), multipart.Session{ID: "u", Key: "k"},
				[]multipart.PartResult{{PartNumber: 1, ETag: "e"}})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestStore_Abort(t *testing.T) {
	client := new(mockS3)
	client.On("AbortMultipartUpload", mock.Anything, mock.MatchedBy(func(in *s3.AbortMultipartUploadInput) bool {
		return aws.ToString(in.UploadId) == "upload-1" && aws.ToString(in.Key) == "a.mp4"
	})).Return(&s3.AbortMultipartUploadOutput{}, nil).Once()

	err := newTestStore(client).Abort(context.Background(), multipart.Session{ID: "upload-1", Key: "a.mp4"})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestStore_Abort_UnknownSessionIsNotAnError(t *testing.T) {
	client := new(mockS3)
	client.On("AbortMultipartUpload", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}).Once()

	err := newTestStore(client).Abort(context.Background(), multipart.Session{ID: "u", Key: "k"})
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "AbortMultipartUpload", 1)
}

func TestStore_Abort_Retries(t *testing.T) {
	client := new(mockS3)
	client.On("AbortMultipartUpload", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	client.On("AbortMultipartUpload", mock.Anything, mock.Anything).Return(&s3.AbortMultipartUploadOutput{}, nil).Once()

	err := newTestStore(client).Abort(context.Background(), multipart.Session{ID: "u", Key: "k"})
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "AbortMultipartUpload", 2)
}

func TestStore_AuthorizeDirect(t *testing.T) {
	store := newTestStore(new(mockS3))

	target, objectURL, err := store.AuthorizeDirect(context.Background(), "thumbs/empty.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/thumbs/empty.jpg", objectURL)
	assert.Equal(t, "PUT", target.Method)
	assert.True(t, strings.HasPrefix(target.URL, "https://s3.eu-central-003.backblazeb2.com/media/thumbs/empty.jpg?"))
}

func TestStore_AuthorizeDirect_WithoutCDN(t *testing.T) {
	store := NewWithClient(new(mockS3), newPresigner(), Params{Bucket: "media"}, log.NewLogger())

	target, objectURL, err := store.AuthorizeDirect(context.Background(), "clips/empty.mp4", "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://s3.eu-central-003.backblazeb2.com/media/clips/empty.mp4", objectURL)
	assert.True(t, strings.HasPrefix(target.URL, objectURL+"?"))
}

func TestStore_DeleteFolder(t *testing.T) {
	client := new(mockS3)

	firstPage := make([]types.Object, 0, 1500)
	for i := 0; i < 1500; i++ {
		firstPage = append(firstPage, types.Object{Key: aws.String(fmt.Sprintf("projects/p1/f%04d.mp4", i))})
	}
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return in.ContinuationToken == nil
	})).Return(&s3.ListObjectsV2Output{
		Contents:              firstPage,
		IsTruncated:           aws.Bool(true),
		NextContinuationToken: aws.String("next"),
	}, nil).Once()
	client.On("ListObjectsV2", mock.Anything, mock.MatchedBy(func(in *s3.ListObjectsV2Input) bool {
		return aws.ToString(in.ContinuationToken) == "next"
	})).Return(&s3.ListObjectsV2Output{
		Contents:    []types.Object{{Key: aws.String("projects/p1/last.mp4")}},
		IsTruncated: aws.Bool(false),
	}, nil).Once()

	var batchSizes []int
	client.On("DeleteObjects", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		in := args.Get(1).(*s3.DeleteObjectsInput)
		batchSizes = append(batchSizes, len(in.Delete.Objects))
	}).Return(&s3.DeleteObjectsOutput{}, nil)

	deleted, err := newTestStore(client).DeleteFolder(context.Background(), "projects/p1/")
	require.NoError(t, err)
	assert.Equal(t, 1501, deleted)
	assert.Equal(t, []int{1000, 500, 1}, batchSizes)
	client.AssertExpectations(t)
}

func TestStore_DeleteFolder_ReportsPartialFailure(t *testing.T) {
	client := new(mockS3)
	client.On("ListObjectsV2", mock.Anything, mock.Anything).Return(&s3.ListObjectsV2Output{
		Contents: []types.Object{{Key: aws.String("p/a")}, {Key: aws.String("p/b")}},
	}, nil).Once()
	client.On("DeleteObjects", mock.Anything, mock.Anything).Return(&s3.DeleteObjectsOutput{
		Errors: []types.Error{{Key: aws.String("p/b"), Message: aws.String("access denied")}},
	}, nil)

	deleted, err := newTestStore(client).DeleteFolder(context.Background(), "p/")
	require.Error(t, err)
	assert.Equal(t, 0, deleted)
	assert.Contains(t, err.Error(), "access denied")
}

func TestStore_DeleteFolder_RejectsEmptyPrefix(t *testing.T) {
	client := new(mockS3)

	for _, prefix := range []string{"", "/", "//"} {
		_, err := newTestStore(client).DeleteFolder(context.Background(), prefix)
		assert.Error(t, err)
	}
	client.AssertNotCalled(t, "ListObjectsV2", mock.Anything, mock.Anything)
}

func Test_resolveEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		want    string
		wantErr bool
	}{
		{name: "aws default", params: Params{Region: "us-east-1"}, want: ""},
		{name: "b2", params: Params{Provider: ProviderB2, Region: "us-west-004"}, want: "https://s3.us-west-004.backblazeb2.com"},
		{name: "b2 without region", params: Params{Provider: ProviderB2}, wantErr: true},
		{name: "explicit endpoint wins", params: Params{Provider: ProviderB2, Region: "x", Endpoint: "http://localhost:9000/"}, want: "http://localhost:9000"},
		{name: "unknown provider", params: Params{Provider: "gcs"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveEndpoint(tt.params)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
