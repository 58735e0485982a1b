// Package audio cuts audio files with ffmpeg
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/stt"
	"github.com/airenas/scribe/internal/pkg/utils"
)

// Splitter splits audio with ffmpeg segment muxer
type Splitter struct {
	ffmpeg  string
	ffprobe string
	tempDir string
}

// NewSplitter creates splitter, checks binaries are available
func NewSplitter(ffmpeg, ffprobe, tempDir string) (*Splitter, error) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	for _, b := range []string{ffmpeg, ffprobe} {
		if _, err := exec.LookPath(b); err != nil {
			return nil, fmt.Errorf("no %s: %w", b, err)
		}
	}
	goapp.Log.Info().Str("ffmpeg", ffmpeg).Str("ffprobe", ffprobe).Msg("splitter")
	return &Splitter{ffmpeg: ffmpeg, ffprobe: ffprobe, tempDir: tempDir}, nil
}

// Split cuts audio into parts of partSec seconds
func (s *Splitter) Split(ctx context.Context, audio *stt.Audio, partSec int) ([]stt.AudioPart, error) {
	dir, err := os.MkdirTemp(s.tempDir, "split-")
	if err != nil {
		return nil, fmt.Errorf("can't create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := utils.ExtFromContentType(audio.ContentType)
	in := filepath.Join(dir, "in"+ext)
	if err := os.WriteFile(in, audio.Bytes, 0o600); err != nil {
		return nil, fmt.Errorf("can't write audio: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.ffmpeg, "-hide_banner", "-loglevel", "error", "-i", in, "-vn",
		"-f", "segment", "-segment_time", strconv.Itoa(partSec), "-reset_timestamps", "1", "-c", "copy",
		filepath.Join(dir, "part%04d"+ext))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, stderr: %s", err, goapp.Sanitize(stderr.String()))
	}
	files, err := filepath.Glob(filepath.Join(dir, "part*"+ext))
	if err != nil {
		return nil, fmt.Errorf("can't list parts: %w", err)
	}
	sort.Strings(files)
	res := make([]stt.AudioPart, 0, len(files))
	offset := 0.0
	for _, f := range files {
		d, err := s.duration(ctx, f)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("can't read part: %w", err)
		}
		res = append(res, stt.AudioPart{Audio: stt.Audio{Bytes: b, ContentType: audio.ContentType}, Offset: offset,
			Duration: d})
		offset += d
	}
	goapp.Log.Info().Int("parts", len(res)).Float64("duration", offset).Msg("split")
	return res, nil
}

func (s *Splitter) duration(ctx context.Context, file string) (float64, error) {
	cmd := exec.CommandContext(ctx, s.ffprobe, "-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", file)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	return parseDuration(string(out))
}

func parseDuration(s string) (float64, error) {
	res, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse duration '%s': %w", strings.TrimSpace(s), err)
	}
	if res < 0 {
		return 0, fmt.Errorf("wrong duration %f", res)
	}
	return res, nil
}
