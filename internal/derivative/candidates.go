package derivative

import "time"

var (
	// Early frames are often black fades; fractions of the clip land on real content.
	posterFractions = []float64{0.05, 0.10, 0.20, 0.30, 0.40}
	posterCeiling   = 10 * time.Second

	earlyFallbacks     = []time.Duration{500 * time.Millisecond, 0}
	unprobedCandidates = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
)

// PosterCandidates returns the timestamps to try for a poster frame, in order. A zero
// duration means the probe failed and a fixed list is used instead.
func PosterCandidates(duration time.Duration) []time.Duration {
	var raw []time.Duration
	if duration > 0 {
		for _, f := range posterFractions {
			at := time.Duration(float64(duration) * f).Round(time.Millisecond)
			raw = append(raw, min(at, posterCeiling))
		}
	} else {
		raw = append(raw, unprobedCandidates...)
	}
	raw = append(raw, earlyFallbacks...)

	seen := make(map[time.Duration]bool, len(raw))
	out := make([]time.Duration, 0, len(raw))
	for _, at := range raw {
		if duration > 0 && at >= duration && at != 0 {
			continue
		}
		if seen[at] {
			continue
		}
		seen[at] = true
		out = append(out, at)
	}
	return out
}
