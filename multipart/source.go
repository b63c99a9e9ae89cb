package multipart

import (
	"fmt"
	"io"
	"os"
)

// FileSource is a Source backed by a file on disk.
// ReadAt is safe for concurrent use, so parts are read in parallel without locking.
type FileSource struct {
	*io.SectionReader
	file *os.File
}

// OpenFile opens the file at path as a Source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		SectionReader: io.NewSectionReader(file, 0, info.Size()),
		file:          file,
	}, nil
}

// Name returns the path the source was opened from.
func (s *FileSource) Name() string {
	return s.file.Name()
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
