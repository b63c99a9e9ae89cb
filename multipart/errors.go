package multipart

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput is returned when Upload is called with arguments it cannot act on.
// No network call is made in that case.
var ErrInvalidInput = errors.New("invalid upload input")

// ErrEmptySource is returned for zero-length sources when the authorization client
// cannot authorize a single-shot write.
var ErrEmptySource = errors.New("source is empty and the client does not support direct uploads")

// SessionError reports a failed attempt to open an upload session.
type SessionError struct {
	Key string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("initiate upload session for %s: %v", e.Key, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// AuthorizationError reports that no transfer target could be obtained for a part.
type AuthorizationError struct {
	PartNumber int
	Err        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorize part %d: %v", e.PartNumber, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// PartTransferError reports a failed part write. StatusCode is zero when the request
// itself failed before a response arrived.
type PartTransferError struct {
	PartNumber int
	StatusCode int
	Body       string
	Err        error
}

func (e *PartTransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer part %d: status %d: %s", e.PartNumber, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transfer part %d: %v", e.PartNumber, e.Err)
}

func (e *PartTransferError) Unwrap() error {
	return e.Err
}

// IntegrityTagMissingError reports a successful part write whose response carried no ETag.
type IntegrityTagMissingError struct {
	PartNumber int
}

func (e *IntegrityTagMissingError) Error() string {
	return fmt.Sprintf("transfer part %d: no ETag in response", e.PartNumber)
}

// CompletionError reports that the store refused to assemble the uploaded parts.
type CompletionError struct {
	SessionID string
	Err       error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload session %s: %v", e.SessionID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// UploadFailed aggregates the part failures of an aborted upload, ordered by part number.
type UploadFailed struct {
	SessionID string
	Errors    []error
}

func (e *UploadFailed) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	if e.SessionID == "" {
		return fmt.Sprintf("upload failed (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("upload session %s failed (%d errors): %s", e.SessionID, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *UploadFailed) Unwrap() []error {
	return e.Errors
}

// First returns the failure of the lowest numbered part.
func (e *UploadFailed) First() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}
