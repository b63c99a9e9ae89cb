package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/reelcut/mediaupload/multipart"
	"github.com/reelcut/mediaupload/multipart/s3store"
)

var (
	_ multipart.AuthorizationClient = (*Client)(nil)
	_ multipart.Aborter             = (*Client)(nil)
	_ multipart.DirectAuthorizer    = (*Client)(nil)
)

type singleAttemptKey struct{}

// Client talks to a Server. Reads and deletes are retried, creating and completing uploads is not.
type Client struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewClient ...
func NewClient(baseURL, accessToken string, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.CheckRetry = createRetryPolicy(logger)

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		logger:      logger,
	}
}

// Initiate opens an upload session for key.
func (c *Client) Initiate(ctx context.Context, key, contentType string) (multipart.Session, error) {
	var response initiateResponse
	err := c.do(ctx, http.MethodPost, "/uploads", initiateRequest{Filename: key, ContentType: contentType}, http.StatusCreated, &response)
	if err != nil {
		return multipart.Session{}, err
	}
	if response.UploadID == "" {
		return multipart.Session{}, errors.New("server returned no upload id")
	}

	return multipart.Session{ID: response.UploadID, Key: key, ContentType: contentType}, nil
}

// AuthorizePart requests a transfer target for one part.
func (c *Client) AuthorizePart(ctx context.Context, session multipart.Session, partNumber int) (multipart.TransferTarget, error) {
	path := fmt.Sprintf("/uploads/%s/parts/%d?filename=%s",
		url.PathEscape(session.ID), partNumber, url.QueryEscape(session.Key))

	var response partURLResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &response); err != nil {
		return multipart.TransferTarget{}, err
	}
	if response.URL == "" {
		return multipart.TransferTarget{}, fmt.Errorf("server returned no url for part %d", partNumber)
	}

	return multipart.TransferTarget{Method: response.Method, URL: response.URL, Headers: response.Headers}, nil
}

// Complete finalizes the session with the collected parts and returns the object URL.
func (c *Client) Complete(ctx context.Context, session multipart.Session, parts []multipart.PartResult) (string, error) {
	request := completeRequest{Filename: session.Key, Parts: make([]completedPart, 0, len(parts))}
	for _, p := range parts {
		request.Parts = append(request.Parts, completedPart{ETag: p.ETag, PartNumber: p.PartNumber})
	}

	var response urlResponse
	path := fmt.Sprintf("/uploads/%s/complete", url.PathEscape(session.ID))
	if err := c.do(ctx, http.MethodPost, path, request, http.StatusOK, &response); err != nil {
		return "", err
	}

	return response.URL, nil
}

// Abort discards the session on the server.
func (c *Client) Abort(ctx context.Context, session multipart.Session) error {
	path := fmt.Sprintf("/uploads/%s?filename=%s", url.PathEscape(session.ID), url.QueryEscape(session.Key))
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// AuthorizeDirect requests a single-shot transfer target for key.
func (c *Client) AuthorizeDirect(ctx context.Context, key, contentType string) (multipart.TransferTarget, string, error) {
	var response directResponse
	err := c.do(ctx, http.MethodPost, "/objects", initiateRequest{Filename: key, ContentType: contentType}, http.StatusCreated, &response)
	if err != nil {
		return multipart.TransferTarget{}, "", err
	}

	target := multipart.TransferTarget{Method: response.Target.Method, URL: response.Target.URL, Headers: response.Target.Headers}
	return target, response.URL, nil
}

// DeleteFolder removes every object under prefix.
func (c *Client) DeleteFolder(ctx context.Context, prefix string) error {
	return c.do(ctx, http.MethodDelete, "/folders?prefix="+url.QueryEscape(prefix), nil, http.StatusNoContent, nil)
}

func (c *Client) do(ctx context.Context, method, path string, requestBody interface{}, expectedStatus int, responseBody interface{}) error {
	var body interface{}
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = data
	}

	if method != http.MethodGet && method != http.MethodDelete {
		ctx = context.WithValue(ctx, singleAttemptKey{}, true)
	}

	req, err := retryablehttp.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if requestBody != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	c.logger.Debugf("%s %s: %d (request id: %s)", method, path, resp.StatusCode, resp.Header.Get(requestIDHeader))

	if resp.StatusCode != expectedStatus {
		return unwrapError(resp)
	}
	if responseBody == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(responseBody)
}

func createRetryPolicy(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if singleAttempt, _ := ctx.Value(singleAttemptKey{}).(bool); singleAttempt {
			return false, nil
		}

		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	message := strings.TrimSpace(string(data))
	var errResp errorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
		message = errResp.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("HTTP %d: %w: %s", resp.StatusCode, s3store.ErrSessionNotFound, message)
	case http.StatusConflict:
		return fmt.Errorf("HTTP %d: %w: %s", resp.StatusCode, s3store.ErrInvalidParts, message)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, message)
}
