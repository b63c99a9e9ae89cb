package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// State is the lifecycle position of one Upload call.
type State int

const (
	StateUninitiated State = iota
	StateSessionOpen
	StatePartsInFlight
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUninitiated:
		return "uninitiated"
	case StateSessionOpen:
		return "session-open"
	case StatePartsInFlight:
		return "parts-in-flight"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UploadOptions overrides the configured part size and parallelism for one upload.
type UploadOptions struct {
	ChunkSizeBytes int64
	Concurrency    int
}

// Coordinator drives multipart uploads through an AuthorizationClient.
// A Coordinator may run several uploads at once; each keeps its own session and limiter.
type Coordinator struct {
	client     AuthorizationClient
	config     Config
	httpClient *http.Client
	logger     log.Logger
}

// New creates a Coordinator with the given configuration.
func New(client AuthorizationClient, config Config, logger log.Logger) *Coordinator {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Coordinator{
		client:     client,
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Upload stores src under key using the configured part size and parallelism,
// and returns the URL of the assembled object.
func (c *Coordinator) Upload(ctx context.Context, src Source, key, contentType string) (Outcome, error) {
	return c.UploadWithOptions(ctx, src, key, contentType, UploadOptions{
		ChunkSizeBytes: c.config.ChunkSizeBytes,
		Concurrency:    c.config.Concurrency,
	})
}

// UploadWithOptions is Upload with an explicit part size and parallelism.
//
// Complete is called only after every part reported an ETag. Any part failure yields
// an *UploadFailed and leaves the session unfinished; it is aborted when the client
// supports it and Config.AbortOnFailure is set.
func (c *Coordinator) UploadWithOptions(ctx context.Context, src Source, key, contentType string, opts UploadOptions) (Outcome, error) {
	if err := validateUpload(src, key, opts); err != nil {
		return Outcome{}, err
	}

	size := src.Size()
	if size == 0 {
		return c.uploadDirect(ctx, key, contentType)
	}

	state := StateUninitiated
	c.logger.Debugf("Initiate upload session for %s (%s)", key, units.HumanSizeWithPrecision(float64(size), 3))
	session, err := c.client.Initiate(ctx, key, contentType)
	if err != nil {
		return Outcome{}, &SessionError{Key: key, Err: err}
	}
	c.transition(session, &state, StateSessionOpen)

	parts := PlanParts(size, opts.ChunkSizeBytes)
	c.logger.Debugf("Uploading %d parts, %s each, %d in parallel", len(parts),
		units.HumanSizeWithPrecision(float64(opts.ChunkSizeBytes), 3), opts.Concurrency)

	c.transition(session, &state, StatePartsInFlight)
	results, err := c.transferParts(ctx, session, src, parts, opts.Concurrency)
	if err != nil {
		c.transition(session, &state, StateAborted)
		c.abort(session)
		return Outcome{}, err
	}

	url, err := c.client.Complete(ctx, session, results)
	if err != nil {
		c.transition(session, &state, StateAborted)
		c.abort(session)
		return Outcome{}, &CompletionError{SessionID: session.ID, Err: err}
	}
	c.transition(session, &state, StateCompleted)

	return Outcome{URL: url, Parts: len(parts), Size: size}, nil
}

func validateUpload(src Source, key string, opts UploadOptions) error {
	if src == nil {
		return fmt.Errorf("%w: source must not be nil", ErrInvalidInput)
	}
	if key == "" {
		return fmt.Errorf("%w: destination key must not be empty", ErrInvalidInput)
	}
	if opts.ChunkSizeBytes <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidInput, opts.ChunkSizeBytes)
	}
	if opts.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidInput, opts.Concurrency)
	}
	if src.Size() < 0 {
		return fmt.Errorf("%w: source size is negative", ErrInvalidInput)
	}
	return nil
}

// transferParts uploads every part through a limiter and returns the results sorted by
// part number. After the first failure no further parts are admitted; parts already
// running are left to finish.
func (c *Coordinator) transferParts(ctx context.Context, session Session, src Source, parts []Part, concurrency int) ([]PartResult, error) {
	admitCtx, stopAdmission := context.WithCancel(ctx)
	defer stopAdmission()

	limiter := NewLimiter(concurrency)
	stats := NewStats()

	var mu sync.Mutex
	results := make(map[int]PartResult, len(parts))
	failures := make(map[int]error)

	for _, part := range parts {
		part := part
		limiter.Go(admitCtx, func(context.Context) {
			result, err := c.uploadPart(ctx, session, src, part, len(parts), stats)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[part.Number] = err
				stopAdmission()
				return
			}
			results[part.Number] = result
		})
	}

	// Drops caused by stopAdmission are expected; only the caller's cancellation counts.
	_ = limiter.Wait()

	if len(failures) > 0 || ctx.Err() != nil {
		failed := &UploadFailed{SessionID: session.ID}
		numbers := make([]int, 0, len(failures))
		for n := range failures {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		for _, n := range numbers {
			failed.Errors = append(failed.Errors, failures[n])
		}
		if err := ctx.Err(); err != nil {
			failed.Errors = append(failed.Errors, fmt.Errorf("upload cancelled: %w", err))
		}
		return nil, failed
	}

	if len(results) != len(parts) {
		return nil, &UploadFailed{
			SessionID: session.ID,
			Errors:    []error{fmt.Errorf("%d of %d parts reported no result", len(parts)-len(results), len(parts))},
		}
	}

	sorted := make([]PartResult, 0, len(results))
	for _, r := range results {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PartNumber < sorted[j].PartNumber
	})

	c.logger.Debugf("All %d parts uploaded (%s) [avg=%v]", len(sorted),
		units.HumanSizeWithPrecision(float64(stats.TransferredBytes()), 3), stats.Average().Round(time.Millisecond))

	return sorted, nil
}

func (c *Coordinator) uploadPart(ctx context.Context, session Session, src Source, part Part, total int, stats *Stats) (PartResult, error) {
	target, err := c.client.AuthorizePart(ctx, session, part.Number)
	if err != nil {
		c.logger.Warnf("Part %d/%d authorization failed: %v", part.Number, total, err)
		return PartResult{}, &AuthorizationError{PartNumber: part.Number, Err: err}
	}

	c.logger.Debugf("Uploading part %d/%d (%d bytes) [finished=%d] [avg=%v]",
		part.Number, total, part.Size(), stats.FinishedCount(), stats.Average().Round(time.Millisecond))

	start := time.Now()
	etag, err := transferPart(ctx, c.httpClient, target, src, part)
	if err != nil {
		c.logger.Warnf("Part %d/%d failed: %v", part.Number, total, err)
		return PartResult{}, err
	}

	took := time.Since(start)
	stats.Update(took, part.Size())
	c.logger.Debugf("Part %d/%d uploaded in %v, ETag: %s", part.Number, total, took.Round(time.Millisecond), etag)

	return PartResult{PartNumber: part.Number, ETag: etag}, nil
}

// uploadDirect stores an empty object with a single write, since stores refuse to
// complete multipart sessions without parts.
func (c *Coordinator) uploadDirect(ctx context.Context, key, contentType string) (Outcome, error) {
	direct, ok := c.client.(DirectAuthorizer)
	if !ok {
		return Outcome{}, fmt.Errorf("%s: %w", key, ErrEmptySource)
	}

	c.logger.Debugf("Source for %s is empty, uploading it with a single request", key)
	target, url, err := direct.AuthorizeDirect(ctx, key, contentType)
	if err != nil {
		return Outcome{}, &SessionError{Key: key, Err: err}
	}

	var missingTag *IntegrityTagMissingError
	_, err = transferPart(ctx, c.httpClient, target, emptySource{}, Part{Number: 1})
	if err != nil && !errors.As(err, &missingTag) {
		return Outcome{}, &UploadFailed{Errors: []error{err}}
	}

	return Outcome{URL: url}, nil
}

func (c *Coordinator) abort(session Session) {
	if !c.config.AbortOnFailure {
		return
	}
	aborter, ok := c.client.(Aborter)
	if !ok {
		c.logger.Debugf("Client cannot abort sessions, leaving %s to the store's lifecycle rules", session.ID)
		return
	}

	// The caller's context may be the reason for the failure.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := aborter.Abort(ctx, session); err != nil {
		c.logger.Warnf("Failed to abort upload session %s: %v", session.ID, err)
		return
	}
	c.logger.Debugf("Upload session %s aborted", session.ID)
}

func (c *Coordinator) transition(session Session, state *State, next State) {
	c.logger.Debugf("Upload %s (%s): %s -> %s", session.Key, session.ID, *state, next)
	*state = next
}

type emptySource struct{}

func (emptySource) ReadAt([]byte, int64) (int, error) { return 0, io.EOF }
func (emptySource) Size() int64                       { return 0 }
