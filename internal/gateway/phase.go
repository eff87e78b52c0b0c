package gateway

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Phase is which configuration the gateway is serving.
type Phase string

const (
	// PhaseBootstrap serves static placeholder responses with no upstream.
	PhaseBootstrap Phase = "bootstrap"
	// PhaseFinal proxies the public port to the frontend.
	PhaseFinal Phase = "final"
)

// maxSuggestionDistance bounds how far a typo may be from a known phase to be suggested.
const maxSuggestionDistance = 3

// Phases returns every known phase.
func Phases() []Phase {
	return []Phase{PhaseBootstrap, PhaseFinal}
}

// ParsePhase parses a phase name case-insensitively. Unknown names produce an
// error that suggests the closest known phase.
func ParsePhase(name string) (Phase, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, phase := range Phases() {
		if normalized == string(phase) {
			return phase, nil
		}
	}

	bestDistance := maxSuggestionDistance + 1
	var suggestion Phase
	for _, phase := range Phases() {
		distance := levenshtein.ComputeDistance(normalized, string(phase))
		if distance < bestDistance {
			bestDistance = distance
			suggestion = phase
		}
	}

	if suggestion != "" {
		return "", fmt.Errorf("unknown gateway phase %q, did you mean %q?", name, suggestion)
	}
	return "", fmt.Errorf("unknown gateway phase %q, must be one of: %s, %s", name, PhaseBootstrap, PhaseFinal)
}
