package result

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/airenas/scribe/internal/pkg/api"
	"github.com/airenas/scribe/internal/pkg/persistence"
)

// Format is an export format of the transcript
type Format string

const (
	// FormatJSON is the transcript document as returned by the status service
	FormatJSON Format = "json"
	// FormatText is plain text, one segment per line
	FormatText Format = "txt"
	// FormatSRT is SubRip subtitles
	FormatSRT Format = "srt"
	// FormatVTT is WebVTT subtitles
	FormatVTT Format = "vtt"
)

var contentTypes = map[Format]string{
	FormatJSON: "application/json; charset=utf-8",
	FormatText: "text/plain; charset=utf-8",
	FormatSRT:  "application/x-subrip; charset=utf-8",
	FormatVTT:  "text/vtt; charset=utf-8",
}

// ParseFormat returns format by name, json by default
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return FormatJSON, nil
	}
	res := Format(strings.ToLower(s))
	if _, ok := contentTypes[res]; !ok {
		return "", fmt.Errorf("unknown format '%s'", s)
	}
	return res, nil
}

// ContentType returns http content type of the format
func (f Format) ContentType() string {
	return contentTypes[f]
}

// Render writes transcript in the format
func Render(f Format, tr *api.Transcript) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(tr)
	case FormatText:
		return []byte(toText(tr.Segments)), nil
	case FormatSRT:
		return []byte(toSubtitles(tr.Segments, srtTime, false)), nil
	case FormatVTT:
		return []byte(toSubtitles(tr.Segments, vttTime, true)), nil
	}
	return nil, fmt.Errorf("unknown format '%s'", f)
}

func toText(segments []persistence.Segment) string {
	var sb strings.Builder
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			sb.WriteString(t)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func toSubtitles(segments []persistence.Segment, tf func(float64) string, vtt bool) string {
	var sb strings.Builder
	if vtt {
		sb.WriteString("WEBVTT\n\n")
	}
	i := 0
	for _, s := range segments {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		i++
		if !vtt {
			fmt.Fprintf(&sb, "%d\n", i)
		}
		fmt.Fprintf(&sb, "%s --> %s\n%s\n\n", tf(s.Start), tf(s.Start+s.Duration), t)
	}
	return sb.String()
}

func srtTime(sec float64) string {
	h, m, s, ms := split(sec)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func vttTime(sec float64) string {
	h, m, s, ms := split(sec)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func split(sec float64) (int64, int64, int64, int64) {
	all := int64(math.Round(max(sec, 0) * 1000))
	return all / 3600000, all / 60000 % 60, all / 1000 % 60, all % 1000
}
