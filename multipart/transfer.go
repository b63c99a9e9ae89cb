package multipart

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 1024

// transferPart writes exactly the bytes of part to target with a single request
// and returns the ETag the store assigned to it.
func transferPart(ctx context.Context, client *http.Client, target TransferTarget, src Source, part Part) (string, error) {
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	body := io.NewSectionReader(src, part.Start, part.Size())
	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return "", &PartTransferError{PartNumber: part.Number, Err: fmt.Errorf("create request: %w", err)}
	}

	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	// Pre-signed part URLs reject chunked transfer encoding.
	req.ContentLength = part.Size()
	if part.Size() == 0 {
		req.Body = http.NoBody
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &PartTransferError{PartNumber: part.Number, Err: fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &PartTransferError{
			PartNumber: part.Number,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errorBody)),
		}
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", &IntegrityTagMissingError{PartNumber: part.Number}
	}

	return etag, nil
}
