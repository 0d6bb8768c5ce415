package mixer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrLockHeld means another live daemon already owns the runtime lock.
// Losing the race is not a failure: the loser exits quietly
var ErrLockHeld = errors.New("daemon lock held by another instance")

// FileLock is an exclusive advisory lock held for the daemon's lifetime.
// The kernel drops it if the process dies, so a crashed daemon never fences
// out its successor
type FileLock struct {
	logger *zap.SugaredLogger
	path   string
	file   *os.File
}

// AcquireLock takes the daemon lock without blocking. The owner's identity
// is recorded in the file for diagnostics only; the flock is what arbitrates
func AcquireLock(logger *zap.SugaredLogger, path string) (*FileLock, error) {
	logger = logger.Named("lock")

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		describeOwner(logger, file)
		file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	if err := writeOwner(file); err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock owner: %w", err)
	}

	logger.Debugw("Acquired daemon lock", "path", path)

	return &FileLock{logger: logger, path: path, file: file}, nil
}

// Release drops the lock and removes the lock file
func (fl *FileLock) Release() {
	if fl == nil || fl.file == nil {
		return
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.logger.Warnw("Failed to unlock lock file", "error", err)
	}

	if err := fl.file.Close(); err != nil {
		fl.logger.Debugw("Failed to close lock file", "error", err)
	}
	fl.file = nil

	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		fl.logger.Debugw("Failed to remove lock file", "error", err)
	}

	fl.logger.Debug("Released daemon lock")
}

func writeOwner(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}

	host, _ := os.Hostname()
	process, _ := os.Executable()

	if _, err := fmt.Fprintf(file, "PID=%d\nHost=%s\nProcess=%s\n", os.Getpid(), host, process); err != nil {
		return err
	}

	return file.Sync()
}

// describeOwner logs who holds the lock, best effort
func describeOwner(logger *zap.SugaredLogger, file *os.File) {
	data := make([]byte, 512)
	n, err := file.ReadAt(data, 0)
	if n == 0 && err != nil {
		return
	}

	pid := 0
	for _, line := range strings.Split(string(data[:n]), "\n") {
		if strings.HasPrefix(line, "PID=") {
			pid, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "PID=")))
			break
		}
	}
	if pid == 0 {
		return
	}

	owner := "unknown"
	if process, err := ps.FindProcess(pid); err == nil && process != nil {
		owner = process.Executable()
	}

	logger.Debugw("Lock already held", "pid", pid, "process", owner)
}
