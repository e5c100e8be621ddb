package filter

import (
	"fmt"
	"strings"
	"time"
)

// Preset is a relative time range ending now.
type Preset struct {
	Name   string
	Window time.Duration
}

var presets = []Preset{
	{Name: "30m", Window: 30 * time.Minute},
	{Name: "1h", Window: time.Hour},
	{Name: "6h", Window: 6 * time.Hour},
	{Name: "24h", Window: 24 * time.Hour},
	{Name: "7d", Window: 7 * 24 * time.Hour},
	{Name: "30d", Window: 30 * 24 * time.Hour},
	{Name: "90d", Window: 90 * 24 * time.Hour},
}

// Presets returns the named ranges, shortest first.
func Presets() []Preset {
	return append([]Preset(nil), presets...)
}

// ParsePreset looks up a preset by name.
func ParsePreset(name string) (Preset, error) {
	value := strings.ToLower(strings.TrimSpace(name))
	for _, preset := range presets {
		if preset.Name == value {
			return preset, nil
		}
	}
	return Preset{}, fmt.Errorf("unknown time range preset %q", name)
}

// Resolve anchors the preset at now. The end bound is pushed one
// nanosecond past now so a record stamped exactly now is still inside the
// exclusive range.
func (p Preset) Resolve(now time.Time) TimeRange {
	return TimeRange{
		Start: now.Add(-p.Window),
		End:   now.Add(time.Nanosecond),
	}
}
