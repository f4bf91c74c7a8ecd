// internal/helpers/media.go
package helpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/pycall"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/tools"
)

const frameTimeout = 60 * time.Second

// audioFormats are the extensions the transcription endpoint accepts.
var audioFormats = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".mp4": true,
	".mpeg": true, ".mpga": true, ".webm": true, ".ogg": true, ".flac": true,
}

// Shell runs commands in the desktop container.
type Shell interface {
	Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error)
	FileSystem() computer.FileSystem
}

// Registrar accepts primitive implementations.
type Registrar interface {
	Register(name string, fn computer.PrimitiveFunc)
}

// Media answers questions about audio and video files in the workspace.
type Media struct {
	shell       Shell
	transcriber llmclient.Transcriber
	audio       llmclient.Gateway
	video       llmclient.Gateway
	logger      *zap.Logger
	now         func() time.Time
}

// NewMedia returns the media helpers. A nil transcriber disables parse_audio
// and a nil video gateway returns frames without a description.
func NewMedia(shell Shell, transcriber llmclient.Transcriber, audio, video llmclient.Gateway, logger *zap.Logger) *Media {
	return &Media{
		shell:       shell,
		transcriber: transcriber,
		audio:       audio,
		video:       video,
		logger:      logger.Named("media"),
		now:         time.Now,
	}
}

// Register installs parse_audio and parse_video.
func (m *Media) Register(r Registrar) {
	r.Register("parse_audio", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := computer.StringArg(call, 0, "audio_path")
		if err != nil {
			return "", err
		}
		question, _ := call.String(1, "question")
		return m.ParseAudio(ctx, p, question)
	})
	r.Register("parse_video", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := computer.StringArg(call, 0, "video_path")
		if err != nil {
			return "", err
		}
		sec, ok := call.Float(1, "time_sec")
		if !ok {
			return "", &computer.ArgError{Func: call.Name, Name: "time_sec", Want: "float"}
		}
		return m.ParseVideo(ctx, p, sec)
	})
}

// ParseAudio transcribes the file and answers question about it. An empty
// question returns the transcript.
func (m *Media) ParseAudio(ctx context.Context, containerPath, question string) (string, error) {
	if m.transcriber == nil {
		return "", errors.New("audio transcription is not configured")
	}
	ext := strings.ToLower(path.Ext(containerPath))
	if !audioFormats[ext] {
		return "", fmt.Errorf("unsupported audio format: %s", strings.TrimPrefix(ext, "."))
	}
	host, err := m.shell.FileSystem().HostPath(containerPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(host); err != nil {
		return "", fmt.Errorf("audio file not found: %s", containerPath)
	}

	transcript, err := m.transcriber.Transcribe(ctx, host)
	if err != nil {
		return "", err
	}
	m.logger.Info("Transcribed audio.", zap.String("path", containerPath), zap.Int("chars", len(transcript)))
	if strings.TrimSpace(question) == "" || m.audio == nil {
		return transcript, nil
	}
	resp, err := m.audio.Completion(ctx, []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleUser, tools.AudioQuestion(transcript, question)),
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// ParseVideo extracts the frame at second into the screenshot directory and
// describes it. The frame is announced with a screenshot marker so the next
// prompt shows it too.
func (m *Media) ParseVideo(ctx context.Context, containerPath string, second float64) (string, error) {
	if second < 0 {
		return "", fmt.Errorf("time_sec must not be negative, got %v", second)
	}
	fsys := m.shell.FileSystem()
	video := fsys.ContainerPath(containerPath)
	host, err := fsys.HostPath(video)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(host); err != nil {
		return "", fmt.Errorf("video file not found: %s", video)
	}

	frame := path.Join(fsys.Workspace, "screenshots", fmt.Sprintf("video-%d.png", m.now().UnixNano()))
	cmd := fmt.Sprintf("mkdir -p %s && ffmpeg -y -nostdin -loglevel error -ss %.3f -i %s -frames:v 1 %s",
		quote(path.Dir(frame)), second, quote(video), quote(frame))
	code, out, err := m.shell.Execute(ctx, cmd, frameTimeout)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("frame extraction failed: %s", strings.TrimSpace(out))
	}
	line := computer.ScreenshotLine(frame)
	if m.video == nil {
		return line, nil
	}

	frameHost, err := fsys.HostPath(frame)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(frameHost)
	if err != nil {
		return "", fmt.Errorf("frame was not written at %.1fs; the video may be shorter: %w", second, err)
	}
	resp, err := m.video.Completion(ctx, []llmclient.Message{
		llmclient.ImageMessage(llmclient.RoleUser, tools.VideoQuestion(video, second), retrieval.DataURL(mimeOf(frameHost), data)),
	}, nil)
	if err != nil {
		m.logger.Warn("Frame description failed.", zap.Error(err))
		return line, nil
	}
	return strings.TrimSpace(resp.Text) + "\n" + line, nil
}

func mimeOf(p string) string {
	if strings.EqualFold(filepath.Ext(p), ".jpg") || strings.EqualFold(filepath.Ext(p), ".jpeg") {
		return "image/jpeg"
	}
	return "image/png"
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
