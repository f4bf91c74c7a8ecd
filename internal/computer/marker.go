// internal/computer/marker.go
package computer

import (
	"fmt"
	"strings"
)

// ScreenshotMarker prefixes the line that announces a new screenshot. Any
// primitive that changes the screen prints it, followed by the container path.
const ScreenshotMarker = "<Screenshot saved at>"

// ScreenshotProtocolVersion is bumped whenever the marker line format changes.
const ScreenshotProtocolVersion = 1

// ScreenshotLine formats the marker line for path.
func ScreenshotLine(path string) string {
	return fmt.Sprintf("%s %s", ScreenshotMarker, path)
}

// LastScreenshot returns the path on the last marker line of output.
func LastScreenshot(output string) (string, bool) {
	idx := strings.LastIndex(output, ScreenshotMarker)
	if idx < 0 {
		return "", false
	}
	rest := output[idx+len(ScreenshotMarker):]
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	path := strings.TrimSpace(rest)
	return path, path != ""
}
