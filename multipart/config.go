package multipart

import (
	"net/http"
	"time"
)

const (
	// DefaultChunkSizeBytes is the part size used when none is configured.
	DefaultChunkSizeBytes int64 = 10 * 1024 * 1024
	// DefaultConcurrency is the number of parts transferred in parallel by default.
	DefaultConcurrency = 4
)

// Config holds configuration for the Coordinator.
type Config struct {
	// ChunkSizeBytes is the size of every part except possibly the last.
	// Default: 10 MiB
	ChunkSizeBytes int64

	// Concurrency is the maximum number of part transfers in flight.
	// Default: 4
	Concurrency int

	// AbortOnFailure discards the store session when a part fails,
	// provided the authorization client implements Aborter.
	// Default: true
	AbortOnFailure bool

	// HTTPClient is used for part transfers.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSizeBytes: DefaultChunkSizeBytes,
		Concurrency:    DefaultConcurrency,
		AbortOnFailure: true,
		HTTPClient:     nil, // Will be created by New
	}
}

// DefaultHTTPClient creates an HTTP client suited to long part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - parts are bounded by the caller's context and the target's expiry
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
