package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// File is a resume chosen by the student. Its content is opened on submit.
type File struct {
	Name        string
	Size        int64
	ContentType string
	open        func() (io.ReadCloser, error)
}

// FileFromBytes wraps in-memory content.
func FileFromBytes(name, contentType string, data []byte) File {
	buf := append([]byte(nil), data...)
	return File{
		Name:        name,
		Size:        int64(len(buf)),
		ContentType: contentTypeFor(name, contentType),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(buf)), nil
		},
	}
}

// FileFromPath references a file on disk. The file is read when submitted.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat resume: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("stat resume: %s is a directory", path)
	}
	return File{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: contentTypeFor(path, ""),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Open returns the file content.
func (f File) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return nil, fmt.Errorf("resume %q has no content", f.Name)
	}
	return f.open()
}

func contentTypeFor(name, declared string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
