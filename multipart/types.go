// Package multipart uploads large media files to an S3-compatible object store as a
// multipart upload driven from the client: the file is split into parts, each part is
// written to its own pre-signed URL with bounded parallelism, and the object is
// finalized once every part reported its ETag.
package multipart

import (
	"context"
	"io"
)

// Session identifies one in-progress multipart upload on the store.
type Session struct {
	ID          string
	Key         string
	ContentType string
}

// Part is the byte range [Start, End) of the source, uploaded as part Number.
type Part struct {
	Number int
	Start  int64
	End    int64
}

// Size returns the length of the part in bytes.
func (p Part) Size() int64 {
	return p.End - p.Start
}

// PartResult is the store's receipt for one uploaded part.
type PartResult struct {
	PartNumber int
	ETag       string
}

// Outcome is returned by a successful upload.
type Outcome struct {
	URL   string
	Parts int
	Size  int64
}

// TransferTarget is a single-use, time-bounded endpoint accepting one part's bytes.
type TransferTarget struct {
	Method  string
	URL     string
	Headers map[string]string
}

// Source is a random-access byte source with a known length.
// *bytes.Reader and *io.SectionReader satisfy it.
type Source interface {
	io.ReaderAt
	Size() int64
}

// AuthorizationClient opens upload sessions, hands out per-part transfer targets
// and finalizes sessions.
type AuthorizationClient interface {
	// Initiate opens a multipart upload session for key.
	Initiate(ctx context.Context, key, contentType string) (Session, error)

	// AuthorizePart returns the transfer target for one part of the session.
	AuthorizePart(ctx context.Context, session Session, partNumber int) (TransferTarget, error)

	// Complete assembles the object from the given parts and returns its public URL.
	// Parts must be sorted by part number.
	Complete(ctx context.Context, session Session, parts []PartResult) (string, error)
}

// Aborter is implemented by clients able to discard an unfinished session.
type Aborter interface {
	Abort(ctx context.Context, session Session) error
}

// DirectAuthorizer is implemented by clients able to authorize a single-shot write of
// a whole object. It is used for empty sources, which multipart sessions cannot complete.
type DirectAuthorizer interface {
	AuthorizeDirect(ctx context.Context, key, contentType string) (TransferTarget, string, error)
}
