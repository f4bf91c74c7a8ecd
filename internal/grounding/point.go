// internal/grounding/point.go
package grounding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/llmutil"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/tools"
)

var errOutOfBounds = errors.New("point is outside the image")

// point asks for the target on a full screenshot, then again on a window
// cropped around the first answer, and returns screen coordinates.
func (l *Localizer) point(ctx context.Context, t Target) (int, int, error) {
	if l.pointer == nil {
		return -1, -1, errors.New("no grounding model configured")
	}
	img, data, err := l.screenshot(ctx)
	if err != nil {
		return -1, -1, err
	}
	bounds := img.Bounds()

	x, y, err := l.askPoint(ctx, t, data)
	if err != nil {
		return -1, -1, err
	}
	if !(image.Point{X: x, Y: y}).In(bounds) {
		return -1, -1, fmt.Errorf("%w: (%d, %d)", errOutOfBounds, x, y)
	}

	win := cropWindow(bounds, x, y, l.cfg.CropHalfWidth, l.cfg.CropHalfHeight)
	crop, err := encodeCrop(img, win)
	if err != nil {
		return -1, -1, err
	}
	lx, ly, err := l.askPoint(ctx, t, crop)
	if err != nil {
		return -1, -1, err
	}
	if !(image.Point{X: lx, Y: ly}).In(image.Rect(0, 0, win.Dx(), win.Dy())) {
		return -1, -1, fmt.Errorf("%w: (%d, %d) in crop", errOutOfBounds, lx, ly)
	}
	return win.Min.X + lx, win.Min.Y + ly, nil
}

func (l *Localizer) screenshot(ctx context.Context) (image.Image, []byte, error) {
	out, err := l.exec.RunIPython(ctx, &memory.IPythonRun{Code: screenshotCall})
	if err != nil {
		return nil, nil, err
	}
	p, ok := computer.LastScreenshot(out)
	if !ok {
		return nil, nil, fmt.Errorf("screenshot failed: %s", llmutil.TruncateString(out, 200))
	}
	host, err := l.exec.FileSystem().HostPath(p)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return img, data, nil
}

func (l *Localizer) askPoint(ctx context.Context, t Target, data []byte) (int, int, error) {
	msgs := []llmclient.Message{
		llmclient.ImageMessage(llmclient.RoleUser, tools.GroundingPoint(t.Item, t.Description), retrieval.DataURL("image/png", data)),
	}
	resp, err := l.pointer.Completion(ctx, msgs, nil)
	if err != nil {
		return -1, -1, fmt.Errorf("point request failed: %w", err)
	}
	x, y, ok := llmutil.ExtractCoordinates(resp.Text)
	if !ok {
		return -1, -1, fmt.Errorf("no coordinates in %q", llmutil.TruncateString(resp.Text, 100))
	}
	return x, y, nil
}

// cropWindow returns the rectangle of half extents (hw, hh) around (x, y),
// clamped to bounds.
func cropWindow(bounds image.Rectangle, x, y, hw, hh int) image.Rectangle {
	return image.Rect(x-hw, y-hh, x+hw, y+hh).Intersect(bounds)
}

func encodeCrop(img image.Image, win image.Rectangle) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, win.Dx(), win.Dy()))
	draw.Draw(dst, dst.Bounds(), img, win.Min, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
