// Package sink persists crawled records as append-only JSONL shards laid out
// by resource hierarchy under one output root.
package sink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/andybalholm/brotli"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/copima/copima/config"
	"github.com/copima/copima/core"
)

// Sink writes JSONL shards. Safe for concurrent use; writes to the same shard
// are serialized by a per-path lock.
type Sink struct {
	rootDir     string
	fileNaming  string
	prettyPrint bool
	compression string
	logger      core.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Sink)

func WithLogger(logger core.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a sink from the output config.
func New(cfg config.OutputConfig, options ...Option) (*Sink, error) {
	rootDir := strings.TrimSpace(cfg.RootDir)
	if rootDir == "" {
		return nil, core.NewError("sink: output root dir is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	switch cfg.Compression {
	case "", config.CompressionNone, config.CompressionGzip, config.CompressionBrotli:
	default:
		return nil, core.NewError(
			fmt.Sprintf("sink: unknown compression %q", cfg.Compression),
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}

	sink := &Sink{
		rootDir:     rootDir,
		fileNaming:  cfg.FileNaming,
		prettyPrint: cfg.PrettyPrint,
		compression: cfg.Compression,
		logger:      glog.Nop(),
		locks:       map[string]*sync.Mutex{},
	}
	for _, option := range options {
		option(sink)
	}
	return sink, nil
}

// Write appends records to the shard addressed by resource type and
// hierarchy. One call is one atomic append; partially written batches are not
// possible under the per-path lock. Returns the number of records written.
func (s *Sink) Write(ctx context.Context, resourceType core.ResourceType, hierarchy []string, records []core.Record) (int, error) {
	if s == nil {
		return 0, core.NewError("sink: sink is nil", goerrors.CategoryInternal, core.ErrorInternal)
	}
	if err := ctx.Err(); err != nil {
		return 0, core.MapError(err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	path := s.ShardPath(resourceType, hierarchy)
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("sink: create directory for %s", path), core.ErrorSinkWrite)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("sink: open %s", path), core.ErrorSinkWrite)
	}
	defer file.Close()

	writer, finish, err := s.wrapWriter(file)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, record := range records {
		line, err := s.encode(record)
		if err != nil {
			return written, core.WrapError(err, goerrors.CategoryInternal,
				"sink: encode record", core.ErrorSinkWrite)
		}
		if _, err := writer.Write(line); err != nil {
			return written, core.WrapError(err, goerrors.CategoryInternal,
				fmt.Sprintf("sink: append to %s", path), core.ErrorSinkWrite)
		}
		written++
	}
	if err := finish(); err != nil {
		return written, core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("sink: flush %s", path), core.ErrorSinkWrite)
	}

	s.logger.Info("records written", "path", path, "count", written)
	return written, nil
}

// ShardPath resolves the absolute shard file for a resource type under the
// hierarchy. Only the leaf file name carries the naming convention; directory
// segments keep their upstream identifiers.
func (s *Sink) ShardPath(resourceType core.ResourceType, hierarchy []string) string {
	segments := []string{s.rootDir}
	for _, segment := range hierarchy {
		segments = append(segments, sanitizeSegment(segment))
	}
	leaf := applyNaming(string(resourceType), s.fileNaming) + s.extension()
	segments = append(segments, leaf)
	return filepath.Join(segments...)
}

func (s *Sink) extension() string {
	switch s.compression {
	case config.CompressionGzip:
		return ".jsonl.gz"
	case config.CompressionBrotli:
		return ".jsonl.br"
	default:
		return ".jsonl"
	}
}

func (s *Sink) encode(record core.Record) ([]byte, error) {
	if s.prettyPrint {
		line, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(line, '\n'), nil
	}
	line, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// wrapWriter layers the configured compressor over the file. Each batch is
// its own compressed member, so appends stay valid.
func (s *Sink) wrapWriter(file *os.File) (io.Writer, func() error, error) {
	switch s.compression {
	case config.CompressionGzip:
		gzWriter := gzip.NewWriter(file)
		return gzWriter, gzWriter.Close, nil
	case config.CompressionBrotli:
		brWriter := brotli.NewWriter(file)
		return brWriter, brWriter.Close, nil
	default:
		return file, func() error { return nil }, nil
	}
}

func (s *Sink) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// sanitizeSegment keeps path segments filesystem-safe without losing
// identity. Slashes in full paths become nested directories upstream, so a
// single segment never contains one.
func sanitizeSegment(segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range segment {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// applyNaming converts a camelCase resource name into the configured file
// naming convention.
func applyNaming(name string, convention string) string {
	switch convention {
	case config.FileNamingKebab:
		return splitCamel(name, "-")
	case config.FileNamingSnake:
		return splitCamel(name, "_")
	default:
		return strings.ToLower(name)
	}
}

func splitCamel(name string, separator string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) && i > 0 {
			b.WriteString(separator)
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

var _ core.RecordSink = (*Sink)(nil)
