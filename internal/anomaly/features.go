package anomaly

import (
	"time"

	"github.com/geocrypt/backend/internal/core"
)

// Feature layout: hour, minute, weekday (Monday = 0), then one slot per
// core.ActivityKinds entry.
const (
	featureHour = iota
	featureMinute
	featureWeekday
	featureKindOffset
)

// FeatureDim is the length of every feature vector.
var FeatureDim = featureKindOffset + len(core.ActivityKinds)

// FeatureVector is the numeric form of one activity event.
type FeatureVector []float64

// ExtractFeatures maps an event to its feature vector. The time fields are
// read in the timestamp's own location. Unknown kinds leave the one-hot
// section all zero.
func ExtractFeatures(e core.ActivityEvent) FeatureVector {
	v := make(FeatureVector, FeatureDim)
	ts := e.Timestamp
	v[featureHour] = float64(ts.Hour())
	v[featureMinute] = float64(ts.Minute())
	v[featureWeekday] = float64(mondayFirst(ts.Weekday()))
	for i, k := range core.ActivityKinds {
		if e.Kind == k {
			v[featureKindOffset+i] = 1
			break
		}
	}
	return v
}

// ExtractAll maps a batch of events.
func ExtractAll(events []core.ActivityEvent) []FeatureVector {
	out := make([]FeatureVector, len(events))
	for i, e := range events {
		out[i] = ExtractFeatures(e)
	}
	return out
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
