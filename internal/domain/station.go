package domain

import (
	"net/url"
	"path"
	"strings"
)

// Station is the immutable-per-session record supplied by the station
// library. The core only reads it.
type Station struct {
	Name      string `json:"name"`
	LogoURL   string `json:"logo_url,omitempty"`
	StreamURL string `json:"stream_url"`
	CodecHint string `json:"codec_hint,omitempty"`
}

// ContentType returns the declared codec hint, falling back to a guess from
// the stream URL extension. Unknown sources report application/octet-stream.
func (s Station) ContentType() string {
	if hint := strings.TrimSpace(s.CodecHint); hint != "" {
		return hint
	}
	switch streamExt(s.StreamURL) {
	case ".mp3":
		return "audio/mpeg"
	case ".aac":
		return "audio/aac"
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

// DirectMP3 reports whether the source already is an MP3 stream, in which
// case the proxy can relay bytes without transcoding.
func (s Station) DirectMP3() bool {
	return s.ContentType() == "audio/mpeg"
}

func streamExt(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" {
		return ""
	}
	ext := strings.ToLower(path.Ext(parsed.Path))
	if strings.Contains(parsed.Path, ".m3u8") || strings.Contains(parsed.RawQuery, "m3u8") {
		return ".m3u8"
	}
	return ext
}
