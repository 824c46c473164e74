// Package settings holds the generation parameters sent to the diffusion
// backend and the stores that persist them between runs.
package settings

import (
	"errors"
	"fmt"
	"strings"
)

// Random is the seed sentinel asking the backend to pick a seed.
const Random int64 = -1

// Bounds accepted by Validate.
const (
	MinSteps    = 1
	MaxSteps    = 50
	MinGuidance = 1.0
	MaxGuidance = 20.0
	MaxSeed     = int64(2147483647)
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid settings")

// GenerationSettings are the user-controlled generation parameters.
// UseRandomSeed implies Seed == Random.
type GenerationSettings struct {
	Prompt         string  `json:"prompt" yaml:"prompt"`
	NegativePrompt string  `json:"negativePrompt" yaml:"negative_prompt"`
	Steps          int     `json:"steps" yaml:"steps"`
	GuidanceScale  float64 `json:"guidanceScale" yaml:"guidance_scale"`
	Seed           int64   `json:"seed" yaml:"seed"`
	UseRandomSeed  bool    `json:"useRandomSeed" yaml:"use_random_seed"`
}

// Defaults returns the initial settings: 20 steps, guidance 7.5, random seed.
func Defaults() GenerationSettings {
	return GenerationSettings{
		Steps:         20,
		GuidanceScale: 7.5,
		Seed:          Random,
		UseRandomSeed: true,
	}
}

// Validate checks ranges and the random seed invariant.
func (s GenerationSettings) Validate() error {
	var problems []string
	if s.Steps < MinSteps || s.Steps > MaxSteps {
		problems = append(problems, fmt.Sprintf("steps %d not in [%d,%d]", s.Steps, MinSteps, MaxSteps))
	}
	if s.GuidanceScale < MinGuidance || s.GuidanceScale > MaxGuidance {
		problems = append(problems, fmt.Sprintf("guidanceScale %g not in [%g,%g]", s.GuidanceScale, MinGuidance, MaxGuidance))
	}
	if s.Seed != Random && (s.Seed < 0 || s.Seed > MaxSeed) {
		problems = append(problems, fmt.Sprintf("seed %d not in [0,%d]", s.Seed, MaxSeed))
	}
	if s.UseRandomSeed && s.Seed != Random {
		problems = append(problems, "useRandomSeed set with an explicit seed")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Prompt         *string  `json:"prompt,omitempty"`
	NegativePrompt *string  `json:"negativePrompt,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	GuidanceScale  *float64 `json:"guidanceScale,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	UseRandomSeed  *bool    `json:"useRandomSeed,omitempty"`
}

// Apply returns s updated by p, or an error leaving s untouched.
//
// UseRandomSeed is applied before Seed. Turning random on always resets the
// seed to Random; turning it off keeps Random until a seed is supplied. An
// explicit seed while random stays on is rejected.
func (s GenerationSettings) Apply(p Patch) (GenerationSettings, error) {
	out := s
	if p.Prompt != nil {
		out.Prompt = *p.Prompt
	}
	if p.NegativePrompt != nil {
		out.NegativePrompt = *p.NegativePrompt
	}
	if p.Steps != nil {
		out.Steps = *p.Steps
	}
	if p.GuidanceScale != nil {
		out.GuidanceScale = *p.GuidanceScale
	}
	if p.UseRandomSeed != nil {
		out = out.WithRandomSeed(*p.UseRandomSeed)
	}
	if p.Seed != nil {
		if *p.Seed != Random && out.UseRandomSeed {
			return s, fmt.Errorf("%w: seed %d requires useRandomSeed=false", ErrInvalid, *p.Seed)
		}
		out.Seed = *p.Seed
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

// WithRandomSeed toggles random seeding. Either direction leaves Seed at
// Random so no earlier explicit seed comes back.
func (s GenerationSettings) WithRandomSeed(on bool) GenerationSettings {
	if on != s.UseRandomSeed {
		s.Seed = Random
	}
	s.UseRandomSeed = on
	return s
}

// SeedLabel renders the seed for display.
func (s GenerationSettings) SeedLabel() string {
	if s.Seed == Random {
		return "random"
	}
	return fmt.Sprintf("%d", s.Seed)
}
