// Package lock keeps a single daemon per profile: the store is only opened
// by the process holding an flock on the profile's LOCK file.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Owner is what the holding daemon records in the lock file.
type Owner struct {
	PID   int
	Since time.Time
}

func (o Owner) encode() string {
	return fmt.Sprintf("%d %s\n", o.PID, o.Since.UTC().Format(time.RFC3339))
}

func parseOwner(data string) (Owner, bool) {
	pidText, sinceText, _ := strings.Cut(strings.TrimSpace(data), " ")
	pid, err := strconv.Atoi(pidText)
	if err != nil || pid <= 0 {
		return Owner{}, false
	}
	since, _ := time.Parse(time.RFC3339, sinceText)
	return Owner{PID: pid, Since: since}, true
}

// HeldError is returned when another daemon owns the profile.
type HeldError struct {
	Owner Owner
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner.Since.IsZero() {
		return fmt.Sprintf("profile in use by PID %d (%s)", e.Owner.PID, e.Path)
	}
	return fmt.Sprintf("profile in use by PID %d since %s (%s)",
		e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

// Lock is a held profile lock.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes dir/LOCK without blocking. The flock is what excludes other
// daemons; the file content only identifies the owner.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		owner, _ := ReadOwner(dir)
		return nil, &HeldError{Owner: owner, Path: path}
	}

	l := &Lock{file: f, path: path, owner: Owner{PID: os.Getpid(), Since: time.Now()}}
	if err := l.record(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return l, nil
}

func (l *Lock) record() error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.WriteAt([]byte(l.owner.encode()), 0)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Owner returns this process's entry.
func (l *Lock) Owner() Owner { return l.owner }

// Release drops the lock. Nil and repeated calls are no-ops.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Unlink while still holding the flock so no reader sees a stale owner.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadOwner reports the owner recorded in dir/LOCK. ok is false when the
// file is missing or unreadable.
func ReadOwner(dir string) (owner Owner, ok bool) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return Owner{}, false
	}
	return parseOwner(string(data))
}

// Holder returns the PID recorded in dir/LOCK, or 0 if there is none.
func Holder(dir string) int {
	owner, _ := ReadOwner(dir)
	return owner.PID
}
