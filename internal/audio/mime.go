package audio

import (
	"path/filepath"
	"strings"
)

// ExtensionFor picks the temporary file extension for an upload, preferring
// the declared MIME type and falling back to the client file name.
func ExtensionFor(mimeType, filename string) string {
	mt := strings.ToLower(mimeType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case strings.Contains(mt, "webm"):
		return "webm"
	case strings.Contains(mt, "ogg"):
		return "ogg"
	case strings.Contains(mt, "mp4"), strings.Contains(mt, "m4a"):
		return "m4a"
	case strings.Contains(mt, "mpeg"), strings.Contains(mt, "mp3"):
		return "mp3"
	case strings.Contains(mt, "wav"):
		return "wav"
	}

	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		switch ext {
		case "webm", "ogg", "m4a", "mp3", "wav", "flac":
			return ext
		case "mp4":
			return "m4a"
		}
	}
	return "tmp"
}
