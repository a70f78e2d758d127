package agent

import (
	"encoding/base64"
	"strings"
)

// toolResultPreview renders a tool result for display alongside the
// conversation. A result that is a single image data URL passes through
// untouched so the caller can render the image itself; anything else becomes
// a fenced block holding at most the last maxLines lines, with earlier lines
// dropped.
func toolResultPreview(content string, maxLines int) string {
	if isImageDataURL(content) {
		return strings.TrimSpace(content)
	}

	lines := strings.Split(content, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	return "```\n" + strings.Join(lines, "\n") + "\n```"
}

// isImageDataURL reports whether content is exactly one well-formed base64
// image data URL, like data:image/png;base64,iVBOR...
func isImageDataURL(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "data:image/") {
		return false
	}
	if strings.ContainsAny(trimmed, " \t\n") {
		return false
	}

	meta, payload, ok := strings.Cut(trimmed, ";base64,")
	if !ok || payload == "" {
		return false
	}
	if strings.TrimPrefix(meta, "data:image/") == "" {
		return false
	}

	_, err := base64.StdEncoding.DecodeString(payload)
	return err == nil
}
