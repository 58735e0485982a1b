package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Plan is a tier entitlement
type Plan struct {
	Transcription bool
	Minutes       int32
}

// Plans maps tier to plan
type Plans map[string]Plan

// Get returns plan for the tier, zero plan if unknown
func (p Plans) Get(tier string) Plan {
	return p[strings.ToLower(tier)]
}

// PlansFromConfig reads plans.<tier>.transcription and plans.<tier>.minutes
func PlansFromConfig(cfg *viper.Viper) (Plans, error) {
	res := Plans{}
	for tier := range cfg.GetStringMap("plans") {
		key := "plans." + tier
		p := Plan{Transcription: cfg.GetBool(key + ".transcription"), Minutes: cfg.GetInt32(key + ".minutes")}
		if p.Minutes < 0 {
			return nil, fmt.Errorf("wrong minutes for %s: %d", tier, p.Minutes)
		}
		res[strings.ToLower(tier)] = p
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no plans configured")
	}
	return res, nil
}

// MonthlyPeriod returns the monthly billing window containing now.
// Cycles start on the anchor day, a zero anchor gives calendar months.
// Anchors on days missing in a month roll over as time.AddDate does
func MonthlyPeriod(anchor, now time.Time) Period {
	if anchor.IsZero() {
		now = now.UTC()
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, 0)}
	}
	n := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start := anchor.AddDate(0, n, 0)
	for start.After(now) {
		n--
		start = anchor.AddDate(0, n, 0)
	}
	for end := anchor.AddDate(0, n+1, 0); !end.After(now); end = anchor.AddDate(0, n+1, 0) {
		n++
		start = end
	}
	return Period{Start: start, End: anchor.AddDate(0, n+1, 0)}
}
