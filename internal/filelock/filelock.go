// Package filelock provides flock-based exclusive locks that keep a
// single rollout process and a single grace daemon per fleet directory.
package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock represents an acquired file lock.
type Lock struct {
	Path string
	file *os.File
}

// Meta is the on-disk metadata written alongside a lock file.
type Meta struct {
	PID        int    `json:"pid"`
	Purpose    string `json:"purpose"`
	AcquiredAt string `json:"acquired_at"` // RFC3339
}

// Acquire takes the exclusive lock at path without blocking. When the
// lock is held elsewhere the returned error wraps ErrLocked and names
// the holder's PID when known.
func Acquire(path, purpose string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			holder := 0
			if meta, metaErr := ReadMeta(path); metaErr == nil {
				holder = meta.PID
			}
			return nil, fmt.Errorf("%w (holder PID: %d)", ErrLocked, holder)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	meta := Meta{
		PID:        os.Getpid(),
		Purpose:    purpose,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(path+".meta", data, 0644); err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	return &Lock{Path: path, file: f}, nil
}

// Release drops the flock, closes the file and removes the metadata.
// Releasing a nil or already released lock is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.Path + ".meta")
	if err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// Holder reports the metadata of a live holder of the lock at path. It
// returns false when nobody holds the lock or the recorded process is
// gone.
func Holder(path string) (Meta, bool) {
	meta, err := ReadMeta(path)
	if err != nil {
		return Meta{}, false
	}
	if IsStale(path) {
		return Meta{}, false
	}
	return meta, true
}

// IsStale checks whether the lock at lockPath is stale by reading its .meta
// file and testing whether the recorded PID is still alive.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}

	proc, err := os.FindProcess(meta.PID)
	if err != nil {
		return true
	}

	// Signal 0 checks process existence without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) != nil
}

// ReadMeta reads and parses the .meta JSON file associated with lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
