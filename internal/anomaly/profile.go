package anomaly

import (
	"fmt"
	"math"
	"sort"

	"github.com/geocrypt/backend/internal/core"
)

// MaxTypical bounds the typical locations and networks in a profile.
const MaxTypical = 5

const secondsPerDay = 24 * 60 * 60

// ClockTime is a wall-clock time of day in seconds after midnight.
type ClockTime int

func (c ClockTime) String() string {
	s := int(c)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s%3600/60, s%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses "HH:MM:SS".
func (c *ClockTime) UnmarshalText(b []byte) error {
	var h, m, s int
	if _, err := fmt.Sscanf(string(b), "%d:%d:%d", &h, &m, &s); err != nil {
		return fmt.Errorf("parse clock time %q: %w", b, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 {
		return fmt.Errorf("parse clock time %q: out of range", b)
	}
	*c = ClockTime(h*3600 + m*60 + s)
	return nil
}

// BehaviorProfile summarizes one principal's activity. It is derived and
// can be recomputed from the event log at any time.
type BehaviorProfile struct {
	Principal        string     `json:"principal"`
	EventCount       int        `json:"event_count"`
	AvgLoginTime     *ClockTime `json:"avg_login_time"`
	AvgLogoutTime    *ClockTime `json:"avg_logout_time"`
	FilesPerDay      float64    `json:"files_accessed_per_day"`
	TypicalLocations []string   `json:"typical_locations"`
	TypicalNetworks  []string   `json:"typical_networks"`
}

// AnalyzeBehavior aggregates the principal's events. Events of other
// principals are ignored. Times of day and calendar days are read in each
// timestamp's own location. The result depends only on the event set, not
// on its order.
func AnalyzeBehavior(principal string, events []core.ActivityEvent) BehaviorProfile {
	p := BehaviorProfile{
		Principal:        principal,
		TypicalLocations: []string{},
		TypicalNetworks:  []string{},
	}

	var logins, logouts []int
	fileDays := make(map[string]bool)
	files := 0
	locations := make(map[string]int)
	networks := make(map[string]int)

	for _, e := range events {
		if e.Principal != principal {
			continue
		}
		p.EventCount++
		ts := e.Timestamp
		secs := ts.Hour()*3600 + ts.Minute()*60 + ts.Second()

		switch {
		case e.Kind == core.ActivityLogin:
			logins = append(logins, secs)
		case e.Kind == core.ActivityLogout:
			logouts = append(logouts, secs)
		case e.Kind.IsFile():
			files++
			fileDays[ts.Format("2006-01-02")] = true
		}
		if loc := e.Context[core.ContextLocation]; loc != "" {
			locations[loc]++
		}
		if n := e.Context[core.ContextNetwork]; n != "" {
			networks[n]++
		}
	}

	p.AvgLoginTime = circularMean(logins)
	p.AvgLogoutTime = circularMean(logouts)
	if len(fileDays) > 0 {
		p.FilesPerDay = float64(files) / float64(len(fileDays))
	}
	p.TypicalLocations = topN(locations, MaxTypical)
	p.TypicalNetworks = topN(networks, MaxTypical)
	return p
}

// circularMean averages times of day on the 24h circle, so 23:30 and 00:30
// average to 00:00 rather than 12:00. When the times cancel out exactly the
// arithmetic mean is used.
func circularMean(secs []int) *ClockTime {
	if len(secs) == 0 {
		return nil
	}
	sorted := append([]int(nil), secs...)
	sort.Ints(sorted)

	var sumSin, sumCos float64
	total := 0
	for _, s := range sorted {
		angle := 2 * math.Pi * float64(s) / secondsPerDay
		sumSin += math.Sin(angle)
		sumCos += math.Cos(angle)
		total += s
	}

	var mean float64
	if math.Hypot(sumSin, sumCos) < 1e-9*float64(len(sorted)) {
		mean = float64(total) / float64(len(sorted))
	} else {
		angle := math.Atan2(sumSin, sumCos)
		if angle < 0 {
			angle += 2 * math.Pi
		}
		mean = angle / (2 * math.Pi) * secondsPerDay
	}
	c := ClockTime(int(math.Round(mean)) % secondsPerDay)
	return &c
}

// topN returns up to n keys by descending count, ties broken lexically.
func topN(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
