package monitoring

import "time"

// LeakReport is the outcome of one heap growth check.
type LeakReport struct {
	Suspected      bool      `json:"suspected"`
	GrowthMBPerMin float64   `json:"growthMBPerMin"`
	Samples        int       `json:"samples"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
}

// LeakDetector flags sustained heap growth across recent snapshots.
// It is advisory only.
type LeakDetector struct {
	Samples        int     // snapshots to inspect
	ThresholdMBMin float64 // growth rate that counts as suspicious
	MinRisingRatio float64 // fraction of steps that must grow, default 0.75
}

func (d LeakDetector) Check(history []Snapshot) LeakReport {
	if len(history) > d.Samples {
		history = history[len(history)-d.Samples:]
	}
	report := LeakReport{Samples: len(history)}
	if len(history) < 2 || len(history) < d.Samples {
		return report
	}

	first, last := history[0], history[len(history)-1]
	report.From, report.To = first.Timestamp, last.Timestamp

	minutes := last.Timestamp.Sub(first.Timestamp).Minutes()
	if minutes <= 0 {
		return report
	}
	report.GrowthMBPerMin = (last.Process.HeapMB - first.Process.HeapMB) / minutes

	rising := 0
	for i := 1; i < len(history); i++ {
		if history[i].Process.HeapMB > history[i-1].Process.HeapMB {
			rising++
		}
	}
	ratio := d.MinRisingRatio
	if ratio <= 0 {
		ratio = 0.75
	}

	report.Suspected = report.GrowthMBPerMin > d.ThresholdMBMin &&
		float64(rising)/float64(len(history)-1) >= ratio
	return report
}
