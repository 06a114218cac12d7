// Package lock guards a profile directory so that only one long-running sync
// client uses it at a time.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the guarded directory.
const FileName = "LOCK"

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	PID     int
	Command string
	Path    string
}

func (e *HeldError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("profile locked by %q (PID %d, %s)", e.Command, e.PID, e.Path)
	}
	return fmt.Sprintf("profile locked by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK and records the
// owner PID and command in it. Returns *HeldError if another process holds it.
func Acquire(dir, command string) (*Lock, error) {
	path := filepath.Join(dir, FileName)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		owner := parseOwner(string(data))
		return nil, &HeldError{PID: owner.pid, Command: owner.command, Path: path}
	}

	if err := writeOwner(f, command); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes and unlocks the lock file. Safe to call on a nil receiver
// and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeOwner(f *os.File, command string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ncmd=%s\ntime=%s\n", os.Getpid(), command, time.Now().UTC().Format(time.RFC3339))
	return err
}

type owner struct {
	pid     int
	command string
}

func parseOwner(content string) owner {
	var o owner
	for _, line := range strings.Split(content, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			o.pid, _ = strconv.Atoi(val)
		case "cmd":
			o.command = val
		}
	}
	return o
}
