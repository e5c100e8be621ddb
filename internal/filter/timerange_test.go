package filter

import (
	"testing"
	"time"
)

func TestParsePresetAndResolve(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	preset, err := ParsePreset(" 24H ")
	if err != nil {
		t.Fatalf("ParsePreset() error: %v", err)
	}
	r := preset.Resolve(now)
	if !r.Start.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("start=%s", r.Start)
	}
	if !r.Contains(now) {
		t.Fatal("resolved range should contain now")
	}
	if r.Contains(r.Start) {
		t.Fatal("start bound must be exclusive")
	}

	if _, err := ParsePreset("2w"); err == nil {
		t.Fatal("ParsePreset(2w) error=nil, want error")
	}
	if len(Presets()) != 7 {
		t.Fatalf("presets=%d, want 7", len(Presets()))
	}
}
