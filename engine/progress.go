package engine

import (
	"math"
	"time"
)

// Progress is a point-in-time view of a collection transfer.
type Progress struct {
	// Percent is nil when the total is unknown.
	Percent *int

	// Speed is the throughput in documents per second.
	Speed int64

	// ETASec is nil unless both the total and the speed are positive.
	ETASec *int64
}

// ComputeProgress derives percent, speed and ETA from a running count.
// total <= 0 means the total is unknown. Elapsed time under one second
// counts as one second.
func ComputeProgress(done, total int64, elapsed time.Duration) Progress {
	if done < 0 {
		done = 0
	}

	secs := math.Max(1, elapsed.Seconds())
	p := Progress{
		Speed: int64(math.Round(float64(done) / secs)),
	}

	if total > 0 {
		pct := int(math.Min(100, math.Round(float64(done)/float64(total)*100)))
		p.Percent = &pct
	}

	if total > 0 && p.Speed > 0 {
		eta := int64(math.Max(0, math.Round(float64(total-done)/float64(p.Speed))))
		p.ETASec = &eta
	}

	return p
}
