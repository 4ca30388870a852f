package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/model"
	"github.com/resource-logger/resource-logger/internal/schema"
)

// tailScanSize bounds how far back a torn final row is searched for.
const tailScanSize = 64 * 1024

// Tabular appends one CSV row per tick in schema column order.
type Tabular struct {
	path   string
	file   *os.File
	out    *appendFile
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// OpenTabular opens (or creates) the CSV file at path. The header is written
// only when the file is new or empty; an existing header must match the
// schema exactly. A partial last row left by a crash is trimmed.
func OpenTabular(path string, logger *zap.Logger) (*Tabular, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening csv file: %w", err)
	}

	t := &Tabular{path: path, file: f, out: newAppendFile(f), logger: logger}
	if err := t.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tabular) init() error {
	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}

	if info.Size() == 0 {
		if err := t.appendRecord(schema.Header()); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		t.logger.Info("csv file initialized", zap.String("path", t.path))
		return nil
	}

	header, err := csv.NewReader(bufio.NewReader(io.NewSectionReader(t.file, 0, info.Size()))).Read()
	if err != nil {
		return fmt.Errorf("reading csv header: %w", err)
	}
	if !schema.MatchesHeader(header) {
		return fmt.Errorf("%w: csv file %s", ErrSchemaMismatch, t.path)
	}

	return t.repairTail(info.Size())
}

// repairTail truncates bytes after the last newline, which can only be a row
// torn by a crash mid-write.
func (t *Tabular) repairTail(size int64) error {
	n := min(size, tailScanSize)
	buf := make([]byte, n)
	if _, err := t.file.ReadAt(buf, size-n); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading csv tail: %w", err)
	}
	if buf[len(buf)-1] == '\n' {
		return nil
	}

	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		return fmt.Errorf("csv file %s: no complete line in last %d bytes", t.path, n)
	}
	keep := size - n + int64(idx) + 1
	if err := t.file.Truncate(keep); err != nil {
		return fmt.Errorf("truncating torn csv row: %w", err)
	}
	t.logger.Warn("dropped partial csv row", zap.String("path", t.path), zap.Int64("bytes", size-keep))
	return t.file.Sync()
}

// Name returns the sink name.
func (t *Tabular) Name() string {
	return "csv"
}

// Write appends one row with a single write call and syncs it to disk. A row
// that cannot be written completely is removed again.
func (t *Tabular) Write(ctx context.Context, snap *model.MetricSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return os.ErrClosed
	}
	return t.appendRecord(schema.Record(snap))
}

func (t *Tabular) appendRecord(record []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("encoding csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encoding csv row: %w", err)
	}

	if err := t.out.Commit(buf.Bytes()); err != nil {
		return fmt.Errorf("appending csv row: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (t *Tabular) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.file.Sync()
	return t.file.Close()
}

// ResetTabular removes the CSV file so the next start writes a fresh header.
func ResetTabular(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing csv file: %w", err)
	}
	return nil
}
