// internal/retrieval/screenshot.go
package retrieval

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
)

// maxImageBytes is the size above which PNG screenshots are sent as JPEG.
const maxImageBytes = 5 << 20

// ImageLoader turns a container screenshot path into a data URL.
type ImageLoader interface {
	Load(containerPath string) (string, error)
}

// ScreenshotLoader reads screenshots through the host mount and keeps a copy
// of every image it hands out in a backup directory.
type ScreenshotLoader struct {
	fs        computer.FileSystem
	backupDir string
	logger    *zap.Logger
}

// NewScreenshotLoader returns a loader for fsys. An empty backupDir disables
// the backup copy.
func NewScreenshotLoader(fsys computer.FileSystem, backupDir string, logger *zap.Logger) (*ScreenshotLoader, error) {
	if backupDir != "" {
		expanded, err := homedir.Expand(backupDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand backup dir: %w", err)
		}
		if err := os.MkdirAll(expanded, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backup dir: %w", err)
		}
		backupDir = expanded
	}
	return &ScreenshotLoader{fs: fsys, backupDir: backupDir, logger: logger.Named("screenshots")}, nil
}

// Load reads the screenshot at containerPath and returns it as a base64 data URL.
func (l *ScreenshotLoader) Load(containerPath string) (string, error) {
	host, err := l.fs.HostPath(containerPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("failed to read screenshot: %w", err)
	}
	if l.backupDir != "" {
		if err := l.backup(host, data); err != nil {
			l.logger.Warn("Could not back up screenshot.", zap.String("path", host), zap.Error(err))
		}
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(host)))
	if mimeType == "" {
		mimeType = "image/png"
	}
	if mimeType == "image/png" && len(data) > maxImageBytes {
		if converted, err := pngToJPEG(data); err == nil {
			data, mimeType = converted, "image/jpeg"
		} else {
			l.logger.Warn("Could not convert large screenshot to JPEG.", zap.String("path", host), zap.Error(err))
		}
	}
	return DataURL(mimeType, data), nil
}

func (l *ScreenshotLoader) backup(host string, data []byte) error {
	dst := filepath.Join(l.backupDir, filepath.Base(host))
	if _, err := os.Stat(dst); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func pngToJPEG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
