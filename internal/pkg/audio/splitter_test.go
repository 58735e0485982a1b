package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	v, err := parseDuration("12.500000\n")
	assert.Nil(t, err)
	assert.Equal(t, 12.5, v)
	_, err = parseDuration("N/A")
	assert.NotNil(t, err)
	_, err = parseDuration("-1")
	assert.NotNil(t, err)
}

func TestNewSplitter_NoBinary(t *testing.T) {
	_, err := NewSplitter("/no/such/ffmpeg-olia", "", "")
	assert.NotNil(t, err)
}
