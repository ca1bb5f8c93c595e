package util

import (
    "math"
    "strconv"
    "time"
)

var isoLayouts = []string{
    time.RFC3339,
    time.RFC3339Nano,
    "2006-01-02T15:04:05",
    "2006-01-02T15:04:05.999999999",
    "2006-01-02 15:04:05",
    "2006-01-02",
}

// ParseTime tries ISO-8601 layouts and unix seconds. Zone-less layouts are
// read as UTC. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
    if s == "" {
        return time.Time{}, false
    }
    for _, layout := range isoLayouts {
        if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
            return t.UTC(), true
        }
    }
    if ts, err := strconv.ParseFloat(s, 64); err == nil && ts > 0 {
        return UnixFloat(ts), true
    }
    return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
    if t, ok := ParseTime(s); ok {
        return t
    }
    return def
}

// UnixFloat converts fractional unix seconds to a UTC time.
func UnixFloat(sec float64) time.Time {
    whole, frac := math.Modf(sec)
    return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// synodic month in days and a reference new moon (2000-01-06 18:14 UTC)
const synodicMonth = 29.530588853

var referenceNewMoon = time.Date(2000, 1, 6, 18, 14, 0, 0, time.UTC)

// LunarPhase returns the moon phase at t in [0,1): 0 new, 0.5 full.
func LunarPhase(t time.Time) float64 {
    days := t.Sub(referenceNewMoon).Hours() / 24
    phase := math.Mod(days/synodicMonth, 1)
    if phase < 0 {
        phase++
    }
    return math.Round(phase*10000) / 10000
}
