package utils

import (
	"mime"
	"path"
	"strings"
)

var contentExt = map[string]string{"audio/mpeg": ".mp3", "audio/mp3": ".mp3", "audio/mp4": ".m4a",
	"audio/x-m4a": ".m4a", "audio/wav": ".wav", "audio/x-wav": ".wav", "audio/ogg": ".ogg",
	"audio/opus": ".opus", "audio/webm": ".webm", "video/mp4": ".mp4"}

// SupportAudioExt checks if audio ext is supported
func SupportAudioExt(ext string) bool {
	for _, v := range contentExt {
		if v == ext {
			return true
		}
	}
	return false
}

// ExtFromContentType returns file extension for audio content type, ".mp3" if unknown
func ExtFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = ct
	}
	if res, ok := contentExt[strings.ToLower(mt)]; ok {
		return res
	}
	return ".mp3"
}

// MakeAudioName returns storage path for job's audio
func MakeAudioName(ID, contentType string) string {
	return path.Join(ID, "audio"+ExtFromContentType(contentType))
}

// ParamTrue - returns true if string param indicates true value
func ParamTrue(prm string) bool {
	return strings.ToLower(prm) == "true" || prm == "1"
}
