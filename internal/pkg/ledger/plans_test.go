package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlansFromConfig(t *testing.T) {
	cfg := viper.New()
	cfg.SetConfigType("yaml")
	require.Nil(t, cfg.ReadConfig(strings.NewReader(`
plans:
  free:
    transcription: false
  pro:
    transcription: true
    minutes: 300
`)))
	p, err := PlansFromConfig(cfg)
	require.Nil(t, err)
	assert.Equal(t, Plan{Transcription: true, Minutes: 300}, p.Get("pro"))
	assert.Equal(t, Plan{Transcription: true, Minutes: 300}, p.Get("PRO"))
	assert.False(t, p.Get("free").Transcription)
	assert.Equal(t, Plan{}, p.Get("olia"))
}

func TestPlansFromConfig_Empty(t *testing.T) {
	_, err := PlansFromConfig(viper.New())
	assert.NotNil(t, err)
}

func TestMonthlyPeriod(t *testing.T) {
	d := func(s string) time.Time {
		res, err := time.Parse(time.RFC3339, s)
		require.Nil(t, err)
		return res
	}
	tests := []struct {
		name      string
		anchor    time.Time
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{name: "calendar", now: d("2025-03-15T10:00:00Z"),
			wantStart: d("2025-03-01T00:00:00Z"), wantEnd: d("2025-04-01T00:00:00Z")},
		{name: "anchored", anchor: d("2024-11-10T08:00:00Z"), now: d("2025-03-15T10:00:00Z"),
			wantStart: d("2025-03-10T08:00:00Z"), wantEnd: d("2025-04-10T08:00:00Z")},
		{name: "before anchor day", anchor: d("2024-11-20T08:00:00Z"), now: d("2025-03-15T10:00:00Z"),
			wantStart: d("2025-02-20T08:00:00Z"), wantEnd: d("2025-03-20T08:00:00Z")},
		{name: "at start", anchor: d("2025-01-05T00:00:00Z"), now: d("2025-02-05T00:00:00Z"),
			wantStart: d("2025-02-05T00:00:00Z"), wantEnd: d("2025-03-05T00:00:00Z")},
		{name: "first cycle", anchor: d("2025-03-01T00:00:00Z"), now: d("2025-03-02T00:00:00Z"),
			wantStart: d("2025-03-01T00:00:00Z"), wantEnd: d("2025-04-01T00:00:00Z")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MonthlyPeriod(tt.anchor, tt.now)
			assert.True(t, tt.wantStart.Equal(got.Start), "start %v", got.Start)
			assert.True(t, tt.wantEnd.Equal(got.End), "end %v", got.End)
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name               string
		minutes, sub, top  int32
		wantSub, wantTopup int32
		wantOK             bool
	}{
		{name: "subscription only", minutes: 5, sub: 10, top: 0, wantSub: 5, wantOK: true},
		{name: "both", minutes: 15, sub: 10, top: 20, wantSub: 10, wantTopup: 5, wantOK: true},
		{name: "topup only", minutes: 3, sub: 0, top: 5, wantTopup: 3, wantOK: true},
		{name: "exact", minutes: 15, sub: 10, top: 5, wantSub: 10, wantTopup: 5, wantOK: true},
		{name: "not enough", minutes: 15, sub: 10, top: 0, wantOK: false},
		{name: "negative subscription", minutes: 3, sub: -5, top: 5, wantTopup: 3, wantOK: true},
		{name: "zero", minutes: 0, sub: 0, top: 0, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, tp, ok := split(tt.minutes, tt.sub, tt.top)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantSub, s)
			assert.Equal(t, tt.wantTopup, tp)
		})
	}
}
