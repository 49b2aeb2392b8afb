// Package sink persists merged collections as JSON documents on disk.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/dataverse-harvester/pkg/pagination"
	"github.com/Sternrassler/dataverse-harvester/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	filesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_files_written_total",
		Help: "Collection files written",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_bytes_written_total",
		Help: "Bytes written to collection files",
	})
)

// DefaultExtension is appended to every file name.
const DefaultExtension = ".json"

// ErrIO matches every *WriteError.
var ErrIO = errors.New("sink i/o error")

// WriteError reports the failing step of a persist or load. Op is one of
// mkdir, create, encode, write, rename, read or decode.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is reports ErrIO as a match.
func (e *WriteError) Is(target error) bool {
	return target == ErrIO
}

// Config holds sink configuration.
type Config struct {
	// Dir is the output directory. It is created on first write.
	Dir string

	// Extension is the file name suffix (default ".json").
	Extension string
}

// FileSink writes one file per collection. Distinct collections write
// distinct files, so concurrent Persist calls never share a path.
type FileSink struct {
	dir string
	ext string
}

// NewFileSink creates a file sink.
func NewFileSink(cfg Config) (*FileSink, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("output directory is required")
	}
	ext := cfg.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &FileSink{dir: filepath.Clean(cfg.Dir), ext: ext}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Sanitize maps a set name to a file name stem. Bytes outside
// [A-Za-z0-9._-] are percent-encoded as %XX, so distinct set names always
// give distinct stems.
func Sanitize(name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0F])
		}
	}
	return b.String()
}

// Path returns the file a collection is written to.
func (s *FileSink) Path(setName string) (string, error) {
	stem := Sanitize(setName)
	if stem == "" || stem == "." || stem == ".." {
		return "", fmt.Errorf("invalid set name %q", setName)
	}

	path := filepath.Join(s.dir, stem+s.ext)
	if filepath.Dir(path) != s.dir {
		return "", fmt.Errorf("path traversal detected for %q", setName)
	}
	return path, nil
}

// document is the on-disk layout.
type document struct {
	SetName     string          `json:"setName"`
	RecordCount int             `json:"recordCount"`
	Value       []record.Record `json:"value"`
}

// Encode renders a result exactly as Persist writes it.
func Encode(result *pagination.Result) ([]byte, error) {
	records := result.Records
	if records == nil {
		records = []record.Record{}
	}
	data, err := json.MarshalIndent(document{
		SetName:     result.SetName,
		RecordCount: result.RecordCount,
		Value:       records,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Persist writes result to its collection file, replacing any previous
// content. The file is written to a temporary name and renamed into place,
// so readers never see a partial document.
func (s *FileSink) Persist(_ context.Context, result *pagination.Result) (string, error) {
	path, err := s.Path(result.SetName)
	if err != nil {
		return "", &WriteError{Op: "create", Path: result.SetName, Err: err}
	}

	data, err := Encode(result)
	if err != nil {
		return "", &WriteError{Op: "encode", Path: path, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", &WriteError{Op: "mkdir", Path: s.dir, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return "", &WriteError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", &WriteError{Op: "write", Path: path, Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", &WriteError{Op: "rename", Path: path, Err: err}
	}

	filesWritten.Inc()
	bytesWritten.Add(float64(len(data)))
	return path, nil
}

// Load reads a collection file written by Persist.
func (s *FileSink) Load(_ context.Context, setName string) (*pagination.Result, error) {
	path, err := s.Path(setName)
	if err != nil {
		return nil, &WriteError{Op: "read", Path: setName, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &WriteError{Op: "read", Path: path, Err: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &WriteError{Op: "decode", Path: path, Err: err}
	}
	return &pagination.Result{
		SetName:     doc.SetName,
		Records:     doc.Value,
		RecordCount: len(doc.Value),
	}, nil
}
