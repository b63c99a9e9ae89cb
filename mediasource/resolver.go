// Package mediasource turns upload locations given on the command line into local files.
//
// A location is a local path, a file:// URL, a doublestar glob (such as `renders/**/*.mp4`)
// or a remote http(s) URL, which is downloaded to a temporary directory first.
package mediasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/melbahja/got"
)

const fileScheme = "file://"

// ErrNoMatch is returned when a glob location matches no files.
var ErrNoMatch = errors.New("no files match the pattern")

// Media is a local file ready to be uploaded.
type Media struct {
	// Path is the absolute local path.
	Path string
	// Name is the file name the upload key is derived from.
	Name string
	// Location is the value the file was resolved from.
	Location string

	tempDir string
}

// Downloaded reports whether the file was fetched from a remote location.
func (m Media) Downloaded() bool {
	return m.tempDir != ""
}

// Cleanup removes the temporary download of a remote file. It is a no-op for local files.
func (m Media) Cleanup() error {
	if m.tempDir == "" {
		return nil
	}
	return os.RemoveAll(m.tempDir)
}

// Resolver resolves locations to Media.
type Resolver struct {
	httpClient   *http.Client
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewResolver creates a Resolver that downloads remote files with httpClient.
func NewResolver(httpClient *http.Client, logger log.Logger) *Resolver {
	return &Resolver{
		httpClient:   httpClient,
		pathProvider: pathutil.NewPathProvider(),
		pathModifier: pathutil.NewPathModifier(),
		pathChecker:  pathutil.NewPathChecker(),
		logger:       logger,
	}
}

// Resolve returns the files a location refers to. Globs may yield several files, sorted by path.
func (r *Resolver) Resolve(ctx context.Context, location string) ([]Media, error) {
	switch {
	case location == "":
		return nil, errors.New("empty location")
	case isRemote(location):
		media, err := r.download(ctx, location)
		if err != nil {
			return nil, err
		}
		return []Media{media}, nil
	case strings.HasPrefix(location, fileScheme):
		media, err := r.local(location, strings.TrimPrefix(location, fileScheme))
		if err != nil {
			return nil, err
		}
		return []Media{media}, nil
	case isPattern(location):
		return r.glob(location)
	default:
		media, err := r.local(location, location)
		if err != nil {
			return nil, err
		}
		return []Media{media}, nil
	}
}

// ResolveAll resolves every location, cleaning up already downloaded files if one fails.
func (r *Resolver) ResolveAll(ctx context.Context, locations []string) ([]Media, error) {
	var all []Media
	for _, location := range locations {
		media, err := r.Resolve(ctx, location)
		if err != nil {
			for _, m := range all {
				if cleanupErr := m.Cleanup(); cleanupErr != nil {
					r.logger.Warnf("Failed to remove %s: %s", m.Path, cleanupErr)
				}
			}
			return nil, fmt.Errorf("%s: %w", location, err)
		}
		all = append(all, media...)
	}

	return all, nil
}

func (r *Resolver) local(location, pth string) (Media, error) {
	absPath, err := r.pathModifier.AbsPath(pth)
	if err != nil {
		return Media{}, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return Media{}, err
	}
	if info.IsDir() {
		return Media{}, fmt.Errorf("%s is a directory", absPath)
	}

	return Media{Path: absPath, Name: filepath.Base(absPath), Location: location}, nil
}

func (r *Resolver) glob(location string) ([]Media, error) {
	base, pattern := doublestar.SplitPattern(location)
	absBase, err := r.pathModifier.AbsPath(base)
	if err != nil {
		return nil, err
	}

	exists, err := r.pathChecker.IsDirExists(absBase)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s does not exist", ErrNoMatch, absBase)
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", location, err)
	}
	if len(matches) == 0 {
		return nil, ErrNoMatch
	}
	sort.Strings(matches)

	media := make([]Media, 0, len(matches))
	for _, match := range matches {
		absPath := filepath.Join(absBase, filepath.FromSlash(match))
		media = append(media, Media{Path: absPath, Name: filepath.Base(absPath), Location: location})
	}
	r.logger.Debugf("Pattern %s matched %d files", location, len(media))

	return media, nil
}

func (r *Resolver) download(ctx context.Context, location string) (Media, error) {
	name, err := fileNameFromURL(location)
	if err != nil {
		return Media{}, fmt.Errorf("failed to extract filename from URL %s: %w", location, err)
	}

	tmpDir, err := r.pathProvider.CreateTempDir("mediasource")
	if err != nil {
		return Media{}, fmt.Errorf("failed to create temp directory: %w", err)
	}

	dest := filepath.Join(tmpDir, name)
	r.logger.Debugf("Downloading %s to %s", location, dest)

	downloader := got.New()
	downloader.Client = r.httpClient
	if err := downloader.Do(got.NewDownload(ctx, location, dest)); err != nil {
		if removeErr := os.RemoveAll(tmpDir); removeErr != nil {
			r.logger.Warnf("Failed to remove %s: %s", tmpDir, removeErr)
		}
		return Media{}, fmt.Errorf("failed to download file from %s: %w", location, err)
	}

	return Media{Path: dest, Name: name, Location: location, tempDir: tmpDir}, nil
}

func fileNameFromURL(location string) (string, error) {
	parsed, err := url.Parse(location)
	if err != nil {
		return "", err
	}

	name := path.Base(parsed.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("no file name in %s", location)
	}
	return name, nil
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func isPattern(location string) bool {
	return strings.ContainsAny(location, "*?[{")
}
