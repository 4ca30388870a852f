package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// appendFile appends whole records to a file opened with O_APPEND. A record
// that fails part way is cut off again, so the next append starts on a
// record boundary.
type appendFile struct {
	mu    sync.Mutex
	file  *os.File
	write func([]byte) (int, error)
}

func newAppendFile(f *os.File) *appendFile {
	return &appendFile{file: f, write: f.Write}
}

// Write appends p without syncing. It implements zapcore.WriteSyncer.
func (a *appendFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, err := a.size()
	if err != nil {
		return 0, err
	}
	if err := a.append(p, size); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Commit appends p and syncs it. The record is removed again if either step
// fails.
func (a *appendFile) Commit(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, err := a.size()
	if err != nil {
		return err
	}
	if err := a.append(p, size); err != nil {
		return err
	}
	if err := a.file.Sync(); err != nil {
		return a.rollback(size, fmt.Errorf("syncing: %w", err))
	}
	return nil
}

// Sync flushes the file to disk.
func (a *appendFile) Sync() error {
	return a.file.Sync()
}

func (a *appendFile) size() (int64, error) {
	info, err := a.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat before append: %w", err)
	}
	return info.Size(), nil
}

func (a *appendFile) append(p []byte, size int64) error {
	n, err := a.write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return a.rollback(size, err)
	}
	return nil
}

func (a *appendFile) rollback(size int64, cause error) error {
	if err := a.file.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("truncating partial append: %w", err))
	}
	return cause
}
