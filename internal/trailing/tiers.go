package trailing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Stage associates a gain threshold with a target stop offset from the
// average price.
type Stage struct {
	Trigger    float64 `yaml:"trigger"`
	StopOffset float64 `yaml:"stop_offset"`
}

// Tier maps a range of average prices onto a trailing-stop schedule.
type Tier struct {
	Name            string  `yaml:"name"`
	MinPrice        float64 `yaml:"min_price"`
	MaxPrice        float64 `yaml:"max_price"`
	InitialOffset   float64 `yaml:"initial_offset"`
	Stages          []Stage `yaml:"stages"`
	AutoExitTrigger float64 `yaml:"auto_exit_trigger"`
}

// Schedule is the full tier configuration.
type Schedule struct {
	Spread  float64 `yaml:"spread"`  // stop minus limit on stop-limit orders
	Epsilon float64 `yaml:"epsilon"` // price comparison tolerance
	Tiers   []Tier  `yaml:"tiers"`
}

// LoadSchedule reads a tier schedule from a YAML file.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier config: %w", err)
	}
	var s Schedule
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse tier config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return &s, nil
}

// DefaultSchedule returns the built-in schedule used when no config file is
// provided.
func DefaultSchedule() *Schedule {
	s := &Schedule{
		Spread:  0.02,
		Epsilon: 0.001,
		Tiers: []Tier{
			{
				Name:          "A",
				MinPrice:      1.00,
				MaxPrice:      10.00,
				InitialOffset: -0.10,
				Stages: []Stage{
					{Trigger: 0.05, StopOffset: -0.05},
					{Trigger: 0.15, StopOffset: 0.00},
					{Trigger: 0.30, StopOffset: 0.10},
					{Trigger: 0.50, StopOffset: 0.25},
				},
				AutoExitTrigger: 0.75,
			},
			{
				Name:          "B",
				MinPrice:      10.00,
				MaxPrice:      50.00,
				InitialOffset: -0.25,
				Stages: []Stage{
					{Trigger: 0.15, StopOffset: -0.10},
					{Trigger: 0.40, StopOffset: 0.05},
					{Trigger: 0.80, StopOffset: 0.30},
					{Trigger: 1.30, StopOffset: 0.70},
				},
				AutoExitTrigger: 2.00,
			},
		},
	}
	return s
}

func (s *Schedule) validate() error {
	for _, t := range s.Tiers {
		if t.MaxPrice <= t.MinPrice {
			return fmt.Errorf("tier %s: max_price must exceed min_price", t.Name)
		}
		prev := 0.0
		for i, st := range t.Stages {
			if st.Trigger <= prev {
				return fmt.Errorf("tier %s: stage %d trigger must be increasing", t.Name, i)
			}
			prev = st.Trigger
		}
		if t.AutoExitTrigger <= prev {
			return fmt.Errorf("tier %s: auto_exit_trigger must exceed the last stage trigger", t.Name)
		}
	}
	return nil
}

func (s *Schedule) applyDefaults() {
	if s.Spread <= 0 {
		s.Spread = 0.02
	}
	if s.Epsilon <= 0 {
		s.Epsilon = 0.001
	}
}

// TierFor resolves the tier whose price range contains price. A price
// outside every tier disqualifies the position from automation.
func (s *Schedule) TierFor(price float64) (Tier, bool) {
	for _, t := range s.Tiers {
		if price >= t.MinPrice && price < t.MaxPrice {
			return t, true
		}
	}
	return Tier{}, false
}

// TierByName resolves a tier by its group key.
func (s *Schedule) TierByName(name string) (Tier, bool) {
	for _, t := range s.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// StageFor returns the highest stage index justified by the gain: 0 when no
// stage trigger is crossed, k when stage k's trigger is crossed. Stage index
// 0 corresponds to the initial protective order.
func (t Tier) StageFor(gain float64) int {
	idx := 0
	for i, st := range t.Stages {
		if gain >= st.Trigger {
			idx = i + 1
		}
	}
	return idx
}

// StopOffsetForStage returns the stop offset for the given stage index.
func (t Tier) StopOffsetForStage(idx int) float64 {
	if idx <= 0 || len(t.Stages) == 0 {
		return t.InitialOffset
	}
	if idx > len(t.Stages) {
		idx = len(t.Stages)
	}
	return t.Stages[idx-1].StopOffset
}
