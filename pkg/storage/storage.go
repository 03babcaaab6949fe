package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ObjectKey builds the object path for a call recording.
func ObjectKey(prefix, teamID, callID string) string {
	key := fmt.Sprintf("%s/%s.wav", sanitize(teamID), sanitize(callID))
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// sanitize keeps a path segment from escaping its directory.
func sanitize(segment string) string {
	segment = strings.TrimSpace(segment)
	segment = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(segment)
	if segment == "" {
		return "unknown"
	}
	return segment
}

// LocalStorage writes recordings under a directory on disk. It is meant for
// development setups without object storage.
type LocalStorage struct {
	basePath string
	logger   *logrus.Logger
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string, logger *logrus.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &LocalStorage{basePath: basePath, logger: logger}, nil
}

// Upload copies wav to <base>/<team>/<call>.wav and returns a file:// URL.
func (l *LocalStorage) Upload(ctx context.Context, teamID, callID string, wav io.Reader, size int64, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(l.basePath, filepath.FromSlash(ObjectKey("", teamID, callID)))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create team directory: %w", err)
	}

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create recording file: %w", err)
	}
	written, err := io.Copy(f, wav)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	if size > 0 && written != size {
		os.Remove(tmp)
		return "", fmt.Errorf("short recording write: %d of %d bytes", written, size)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store recording: %w", err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}

	l.logger.WithFields(logrus.Fields{
		"call_id":     callID,
		"team_id":     teamID,
		"path":        abs,
		"bytes":       written,
		"sample_rate": sampleRate,
	}).Info("Recording stored locally")
	return "file://" + filepath.ToSlash(abs), nil
}
