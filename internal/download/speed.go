package download

import "time"

// minSampleInterval is the sliding sampling window: speed is recomputed only
// when at least this much time passed since the previous sample, otherwise
// the previous reading is reported again. Instantaneous per-chunk rates are
// far too noisy for progress UIs.
const minSampleInterval = 100 * time.Millisecond

// speedometer computes a bytes-per-second reading over a sliding window.
// Not safe for concurrent use; each download owns one.
type speedometer struct {
	lastAt    time.Time
	lastBytes int64
	lastSpeed float64
}

// sample reports the current speed given the cumulative byte count at now.
func (s *speedometer) sample(total int64, now time.Time) float64 {
	if s.lastAt.IsZero() {
		s.lastAt = now
		s.lastBytes = total
		return 0
	}
	elapsed := now.Sub(s.lastAt)
	if elapsed < minSampleInterval {
		return s.lastSpeed
	}
	s.lastSpeed = float64(total-s.lastBytes) / elapsed.Seconds()
	s.lastAt = now
	s.lastBytes = total
	return s.lastSpeed
}
