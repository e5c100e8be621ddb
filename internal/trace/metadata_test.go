package trace

import (
	"testing"
)

func TestMergeMetadataOverridesAndKeepsKeys(t *testing.T) {
	t.Parallel()

	merged, err := MergeMetadata(`{"a":1,"b":"x"}`, map[string]any{"b": "y", "updatedAt": "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("MergeMetadata() error: %v", err)
	}
	got := DecodeMetadataMap(merged)
	if got["a"] != float64(1) || got["b"] != "y" || got["updatedAt"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("merged=%v", got)
	}
}

func TestMergeMetadataReplacesNonObjectBase(t *testing.T) {
	t.Parallel()

	merged, err := MergeMetadata(`["not","an","object"]`, map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("MergeMetadata() error: %v", err)
	}
	if merged != `{"k":"v"}` {
		t.Fatalf("merged=%q, want %q", merged, `{"k":"v"}`)
	}
}

func TestMetadataValue(t *testing.T) {
	t.Parallel()

	raw := `{"team":"search","retries":3,"nested":{"region":"eu"},"flag":true,"list":[1,2]}`
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{key: "team", want: "search", wantOK: true},
		{key: "retries", want: "3", wantOK: true},
		{key: "nested.region", want: "eu", wantOK: true},
		{key: "flag", want: "true", wantOK: true},
		{key: "list", want: "[1,2]", wantOK: true},
		{key: "missing", wantOK: false},
		{key: "  ", wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()

			got, ok := MetadataValue(raw, tt.key)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("MetadataValue(%q)=(%q,%t), want (%q,%t)", tt.key, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestScoresRoundTripSplitsByKind(t *testing.T) {
	t.Parallel()

	numeric, categorical := decodeScores(encodeScores(map[string]float64{"accuracy": 0.9}, map[string]string{"verdict": "pass"}))
	if numeric["accuracy"] != 0.9 {
		t.Fatalf("numeric=%v", numeric)
	}
	if categorical["verdict"] != "pass" {
		t.Fatalf("categorical=%v", categorical)
	}
}
