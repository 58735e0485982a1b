package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtFromContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want string
	}{
		{ct: "audio/mpeg", want: ".mp3"},
		{ct: "audio/mp4", want: ".m4a"},
		{ct: "audio/ogg; codecs=opus", want: ".ogg"},
		{ct: "AUDIO/WAV", want: ".wav"},
		{ct: "", want: ".mp3"},
		{ct: "application/octet-stream", want: ".mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtFromContentType(tt.ct))
		})
	}
}

func TestMakeAudioName(t *testing.T) {
	assert.Equal(t, "1/audio.mp3", MakeAudioName("1", "audio/mpeg"))
	assert.Equal(t, "1/audio.webm", MakeAudioName("1", "audio/webm"))
}

func TestSupportAudioExt(t *testing.T) {
	tests := []struct {
		ext  string
		want bool
	}{
		{ext: ".wav", want: true},
		{ext: ".mp3", want: true},
		{ext: ".mp4", want: true},
		{ext: ".m4a", want: true},
		{ext: ".ogg", want: true},
		{ext: ".webm", want: true},
		{ext: ".zip", want: false},
		{ext: ".flac", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			if got := SupportAudioExt(tt.ext); got != tt.want {
				t.Errorf("SupportAudioExt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParamTrue(t *testing.T) {
	assert.True(t, ParamTrue("true"))
	assert.True(t, ParamTrue("TRUE"))
	assert.True(t, ParamTrue("1"))
	assert.False(t, ParamTrue(""))
	assert.False(t, ParamTrue("0"))
}
