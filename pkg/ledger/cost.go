package ledger

import (
	"fmt"
	"math"
	"strings"
)

// GenerationType identifies a paid generation action.
type GenerationType string

const (
	GenerationMeditation GenerationType = "meditation"
	GenerationMusic      GenerationType = "music"
)

var generationBaseCosts = map[GenerationType]int64{
	GenerationMeditation: 50,
	GenerationMusic:      30,
}

// durationMultipliers maps a track length in minutes to its cost multiplier.
var durationMultipliers = map[int]float64{
	5:  1,
	10: 1.5,
	15: 2,
	20: 2.5,
	30: 3,
	45: 4,
	60: 5,
}

// ParseGenerationType validates a generation type.
func ParseGenerationType(raw string) (GenerationType, error) {
	generationType := GenerationType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := generationBaseCosts[generationType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidGenerationType, raw)
	}
	return generationType, nil
}

// String returns the wire representation.
func (generationType GenerationType) String() string {
	return string(generationType)
}

// GenerationCost prices a generation: base cost times the duration multiplier, rounded.
func GenerationCost(generationType GenerationType, durationMinutes int) (PositiveCredits, error) {
	base, ok := generationBaseCosts[generationType]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidGenerationType, generationType)
	}
	multiplier, ok := durationMultipliers[durationMinutes]
	if !ok {
		return 0, fmt.Errorf("%w: %d minutes is not offered, choose one of %v", ErrInvalidDuration, durationMinutes, SupportedDurations())
	}
	return NewPositiveCredits(int64(math.Round(float64(base) * multiplier)))
}

// SupportedDurations lists the offered durations in minutes.
func SupportedDurations() []int {
	return []int{5, 10, 15, 20, 30, 45, 60}
}
