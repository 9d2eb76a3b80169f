package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerationCost(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name            string
		generationType  GenerationType
		durationMinutes int
		expected        PositiveCredits
	}{
		{name: "meditation 5 minutes", generationType: GenerationMeditation, durationMinutes: 5, expected: 50},
		{name: "meditation 10 minutes", generationType: GenerationMeditation, durationMinutes: 10, expected: 75},
		{name: "meditation 45 minutes", generationType: GenerationMeditation, durationMinutes: 45, expected: 200},
		{name: "music 10 minutes", generationType: GenerationMusic, durationMinutes: 10, expected: 45},
		{name: "music 60 minutes", generationType: GenerationMusic, durationMinutes: 60, expected: 150},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cost, err := GenerationCost(testCase.generationType, testCase.durationMinutes)
			if err != nil {
				test.Fatalf("cost: %v", err)
			}
			if cost != testCase.expected {
				test.Fatalf(errorMismatchFmt, testCase.expected, cost)
			}
		})
	}
}

func TestGenerationCostRejectsUnknownInputs(test *testing.T) {
	test.Parallel()
	_, err := GenerationCost(GenerationMeditation, 7)
	if !errors.Is(err, ErrInvalidDuration) {
		test.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if !strings.Contains(err.Error(), "[5 10 15 20 30 45 60]") {
		test.Fatalf("expected supported durations in %q", err.Error())
	}
	if _, err := GenerationCost(GenerationType("podcast"), 10); !errors.Is(err, ErrInvalidGenerationType) {
		test.Fatalf("expected ErrInvalidGenerationType, got %v", err)
	}
	if _, err := ParseGenerationType("Podcast"); !errors.Is(err, ErrInvalidGenerationType) {
		test.Fatalf("expected ErrInvalidGenerationType, got %v", err)
	}
	parsed, err := ParseGenerationType(" Meditation ")
	if err != nil || parsed != GenerationMeditation {
		test.Fatalf("expected meditation, got %q (%v)", parsed, err)
	}
}

func TestSupportedDurationsArePriced(test *testing.T) {
	test.Parallel()
	for _, minutes := range SupportedDurations() {
		if _, err := GenerationCost(GenerationMusic, minutes); err != nil {
			test.Fatalf("duration %d: %v", minutes, err)
		}
	}
}
