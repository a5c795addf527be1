package game

import (
	"fmt"
	"strings"
)

// Phase is a stage of a murder-mystery game. Phases are ordered.
type Phase int

const (
	PhaseIntroduction Phase = iota + 1
	PhaseEvidenceCollection
	PhaseInvestigation
	PhaseDiscussion
	PhaseVoting
)

var phaseNames = map[Phase]string{
	PhaseIntroduction:       "INTRODUCTION",
	PhaseEvidenceCollection: "EVIDENCE_COLLECTION",
	PhaseInvestigation:      "INVESTIGATION",
	PhaseDiscussion:         "DISCUSSION",
	PhaseVoting:             "VOTING",
}

// Phases lists every phase in play order.
var Phases = []Phase{
	PhaseIntroduction,
	PhaseEvidenceCollection,
	PhaseInvestigation,
	PhaseDiscussion,
	PhaseVoting,
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("PHASE(%d)", int(p))
}

// IsFreeForm reports whether speaker choice depends on dialogue content.
func (p Phase) IsFreeForm() bool {
	return p == PhaseInvestigation || p == PhaseDiscussion
}

// Next returns the phase after p and false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	if p >= PhaseIntroduction && p < PhaseVoting {
		return p + 1, true
	}
	return p, false
}

// ParsePhase accepts the upper-case phase name in any case, with '-' or '_'.
func ParsePhase(s string) (Phase, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for p, n := range phaseNames {
		if n == norm {
			return p, nil
		}
	}
	return 0, fmt.Errorf("game: unknown phase %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
