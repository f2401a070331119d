package anomaly

import (
	"fmt"

	"github.com/geocrypt/backend/internal/core"
)

// UsualHours bounds normal activity: an event is unusual when its hour is
// before Start or after End.
type UsualHours struct {
	Start int
	End   int
}

// DefaultUsualHours flags activity before 06:00 or after 22:59.
var DefaultUsualHours = UsualHours{Start: 6, End: 22}

// Assessment is the suspicion verdict for one event.
type Assessment struct {
	Anomalous bool          `json:"anomalous"`
	Score     float64       `json:"score"`
	Reasons   []string      `json:"reasons"`
	Severity  core.Severity `json:"severity,omitempty"`
}

// Suspicious reports whether any rule fired.
func (a Assessment) Suspicious() bool {
	return len(a.Reasons) > 0
}

// Scorer is satisfied by *Detector.
type Scorer interface {
	Score(e core.ActivityEvent) (bool, float64)
}

// Assess combines the model verdict with the unusual-hour rule. A model hit
// is HIGH severity; an unusual hour alone is MEDIUM.
func Assess(e core.ActivityEvent, scorer Scorer, hours UsualHours) Assessment {
	a := Assessment{Reasons: []string{}}
	if scorer != nil {
		a.Anomalous, a.Score = scorer.Score(e)
	}
	if a.Anomalous {
		a.Reasons = append(a.Reasons, fmt.Sprintf("anomalous behavior detected (score: %.2f)", a.Score))
		a.Severity = core.SeverityHigh
	}
	if h := e.Timestamp.Hour(); h < hours.Start || h > hours.End {
		a.Reasons = append(a.Reasons, fmt.Sprintf("unusual access time: %02d:00", h))
		if a.Severity == "" {
			a.Severity = core.SeverityMedium
		}
	}
	return a
}
