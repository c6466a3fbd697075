package trailing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTierForBounds(t *testing.T) {
	s := DefaultSchedule()

	cases := []struct {
		price    float64
		wantTier string
		wantOK   bool
	}{
		{0.50, "", false},
		{1.00, "A", true},
		{4.00, "A", true},
		{9.999, "A", true},
		{10.00, "B", true}, // boundary belongs to the next tier
		{49.99, "B", true},
		{50.00, "", false},
	}
	for _, tc := range cases {
		tier, ok := s.TierFor(tc.price)
		if ok != tc.wantOK {
			t.Fatalf("TierFor(%v) ok = %v, want %v", tc.price, ok, tc.wantOK)
		}
		if ok && tier.Name != tc.wantTier {
			t.Fatalf("TierFor(%v) = %s, want %s", tc.price, tier.Name, tc.wantTier)
		}
	}
}

func TestStageForThresholds(t *testing.T) {
	tier, _ := DefaultSchedule().TierByName("A")

	cases := []struct {
		gain float64
		want int
	}{
		{-0.10, 0},
		{0.00, 0},
		{0.049, 0},
		{0.05, 1},
		{0.15, 2},
		{0.29, 2},
		{0.30, 3},
		{0.50, 4},
		{0.74, 4},
	}
	for _, tc := range cases {
		if got := tier.StageFor(tc.gain); got != tc.want {
			t.Fatalf("StageFor(%v) = %d, want %d", tc.gain, got, tc.want)
		}
	}
}

func TestStopOffsetForStage(t *testing.T) {
	tier, _ := DefaultSchedule().TierByName("A")

	if got := tier.StopOffsetForStage(0); got != -0.10 {
		t.Fatalf("stage 0 offset = %v, want -0.10", got)
	}
	if got := tier.StopOffsetForStage(1); got != -0.05 {
		t.Fatalf("stage 1 offset = %v, want -0.05", got)
	}
	if got := tier.StopOffsetForStage(4); got != 0.25 {
		t.Fatalf("stage 4 offset = %v, want 0.25", got)
	}
	// Out-of-range clamps to the last stage.
	if got := tier.StopOffsetForStage(9); got != 0.25 {
		t.Fatalf("clamped offset = %v, want 0.25", got)
	}
}

func TestLoadScheduleFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	yaml := `
spread: 0.03
epsilon: 0.002
tiers:
  - name: penny
    min_price: 0.5
    max_price: 5.0
    initial_offset: -0.08
    stages:
      - trigger: 0.04
        stop_offset: -0.04
      - trigger: 0.10
        stop_offset: 0.00
    auto_exit_trigger: 0.40
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("LoadSchedule: %v", err)
	}
	if s.Spread != 0.03 || s.Epsilon != 0.002 {
		t.Fatalf("schedule globals not loaded: %+v", s)
	}
	tier, ok := s.TierFor(1.0)
	if !ok || tier.Name != "penny" || len(tier.Stages) != 2 {
		t.Fatalf("tier not loaded: %+v", tier)
	}
}

func TestLoadScheduleRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			"inverted price range",
			"tiers:\n  - name: x\n    min_price: 5\n    max_price: 1\n    auto_exit_trigger: 1\n",
		},
		{
			"non-increasing triggers",
			"tiers:\n  - name: x\n    min_price: 1\n    max_price: 5\n    stages:\n      - trigger: 0.2\n        stop_offset: 0\n      - trigger: 0.1\n        stop_offset: 0\n    auto_exit_trigger: 1\n",
		},
		{
			"auto exit below last stage",
			"tiers:\n  - name: x\n    min_price: 1\n    max_price: 5\n    stages:\n      - trigger: 0.2\n        stop_offset: 0\n    auto_exit_trigger: 0.1\n",
		},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "tiers.yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadSchedule(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
