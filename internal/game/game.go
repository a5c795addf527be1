// Package game holds the murder-mystery domain types shared by the voice
// resolver, the speech pipeline and the turn orchestrator: characters, game
// phases, chat messages and discovered evidence.
package game

import (
	"fmt"
	"strings"
	"time"
)

// RecentChatSize is the number of most recent chat messages passed to speaker
// selection and utterance generation.
const RecentChatSize = 5

// Gender of a character as used for voice selection.
type Gender string

const (
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderUnknown Gender = "unknown"
)

// AgeGroup of a character as used for voice selection.
type AgeGroup string

const (
	AgeYoung   AgeGroup = "young"
	AgeAdult   AgeGroup = "adult"
	AgeElder   AgeGroup = "elder"
	AgeUnknown AgeGroup = "unknown"
)

// Character is one role in a script. Name is unique within a session.
type Character struct {
	Name     string   `json:"name" yaml:"name"`
	Gender   Gender   `json:"gender,omitempty" yaml:"gender"`
	AgeGroup AgeGroup `json:"age_group,omitempty" yaml:"age_group"`

	// VoiceID, when set, overrides every other voice heuristic.
	VoiceID string `json:"voice_id,omitempty" yaml:"voice_id"`

	IsVictim   bool `json:"is_victim,omitempty" yaml:"is_victim"`
	IsMurderer bool `json:"is_murderer,omitempty" yaml:"is_murderer"`

	// Profile is the public background shown to every player.
	Profile string `json:"profile,omitempty" yaml:"profile"`

	// Secret is private knowledge only this character's generator sees.
	Secret string `json:"secret,omitempty" yaml:"secret"`
}

// Validate reports whether c has the fields the core relies on.
func (c Character) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("game: character name must not be empty")
	}
	switch c.Gender {
	case "", GenderMale, GenderFemale, GenderUnknown:
	default:
		return fmt.Errorf("game: character %q: invalid gender %q", c.Name, c.Gender)
	}
	switch c.AgeGroup {
	case "", AgeYoung, AgeAdult, AgeElder, AgeUnknown:
	default:
		return fmt.Errorf("game: character %q: invalid age group %q", c.Name, c.AgeGroup)
	}
	return nil
}

// ValidateRoster checks every character and rejects duplicate names.
func ValidateRoster(chars []Character) error {
	if len(chars) == 0 {
		return fmt.Errorf("game: roster must not be empty")
	}
	seen := make(map[string]bool, len(chars))
	for _, c := range chars {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("game: duplicate character name %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Eligible returns the characters allowed to speak (all non-victims),
// preserving roster order.
func Eligible(chars []Character) []Character {
	out := make([]Character, 0, len(chars))
	for _, c := range chars {
		if !c.IsVictim {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the names of chars in order.
func Names(chars []Character) []string {
	out := make([]string, len(chars))
	for i, c := range chars {
		out[i] = c.Name
	}
	return out
}

// ChatMessage is one line of in-game dialogue.
type ChatMessage struct {
	Character  string    `json:"character"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	TTSFileURL string    `json:"tts_file_url,omitempty"`
}

// Evidence is a clue discovered during play.
type Evidence struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// Discoverer is the name of the character who found it. Empty while
	// undiscovered.
	Discoverer string `json:"discoverer,omitempty" yaml:"discoverer"`
}

// State is the part of the game state the selector and generator read.
type State struct {
	Characters         []Character
	DiscoveredEvidence []Evidence
}

// Event types carried by [ChatEvent].
const (
	EventChat          = "chat"
	EventPhaseStarted  = "phase_started"
	EventPhaseFinished = "phase_finished"
)

// ChatEvent is what subscribers of a session receive. Message is set for
// [EventChat] only.
type ChatEvent struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Phase     Phase        `json:"phase"`
	Round     int          `json:"round,omitempty"`
	Message   *ChatMessage `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
