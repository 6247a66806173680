package services

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// removeUpload deletes an upload file that will never be processed.
// Only files inside dir are touched; an empty dir disables removal.
func removeUpload(dir, path string, logger *zap.Logger) {
	if path == "" || dir == "" {
		return
	}
	if !insideDir(dir, path) {
		logger.Warn("not removing upload outside upload directory", zap.String("path", path))
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Debug("removed upload", zap.String("path", path))
}

func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
