package stt

import (
	"sort"

	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/samber/lo"
)

// Chunk is a transcribed piece of a longer audio
type Chunk struct {
	// Offset of the chunk start in the full audio, seconds
	Offset float64
	// Duration of the chunk audio, seconds
	Duration float64
	Result   *Result
}

// Merge rebases chunk segments by offset and joins them in offset order.
// Duration is the max of offset + chunk duration
func Merge(chunks []Chunk) *Result {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	res := &Result{}
	langs := map[string]int{}
	for _, c := range sorted {
		d := c.Duration
		if c.Result != nil {
			d = max(d, c.Result.Duration)
			res.Segments = append(res.Segments, lo.Map(c.Result.Segments, func(s persistence.Segment, _ int) persistence.Segment {
				return persistence.Segment{Text: s.Text, Start: s.Start + c.Offset, Duration: s.Duration}
			})...)
			if c.Result.Language != "" {
				langs[c.Result.Language]++
			}
		}
		res.Duration = max(res.Duration, c.Offset+d)
	}
	res.Language = topLanguage(langs)
	return res
}

func topLanguage(langs map[string]int) string {
	res, best := "", 0
	for _, k := range lo.Keys(langs) {
		if c := langs[k]; c > best || (c == best && k < res) {
			res, best = k, c
		}
	}
	return res
}
