// Package voice maps murder-mystery characters to stable TTS voice
// identifiers.
//
// Resolution order, first match wins:
//
//  1. the character's explicit VoiceID
//  2. a curated table of stock role names (侦探, 管家, 女主人, 秘书)
//  3. gender and age group
//  4. kinship and honorific keywords in the name
//  5. the default voice
//
// Resolution is pure and never returns an empty string.
package voice

import (
	"strings"

	"github.com/MrWong99/jubensha/internal/game"
)

// Slot names a row of the voice table.
type Slot string

const (
	SlotMale        Slot = "male"
	SlotFemale      Slot = "female"
	SlotElderMale   Slot = "elder_male"
	SlotElderFemale Slot = "elder_female"
	SlotDefault     Slot = "default"
)

// Table maps voice slots to provider voice identifiers.
type Table map[Slot]string

// DefaultTable uses MiniMax stock voice identifiers.
var DefaultTable = Table{
	SlotMale:        "male-qn-qingse",
	SlotFemale:      "female-shaonv",
	SlotElderMale:   "presenter_male",
	SlotElderFemale: "presenter_female",
	SlotDefault:     "male-qn-jingying",
}

var curatedNames = map[string]Slot{
	"侦探":  SlotMale,
	"秘书":  SlotFemale,
	"管家":  SlotElderMale,
	"女主人": SlotElderFemale,
}

var (
	maleKeywords   = []string{"先生", "哥", "叔", "爷", "伯", "父", "君"}
	femaleKeywords = []string{"女士", "小姐", "姐", "妹", "婆", "娘", "母", "阿姨"}
)

// Resolver resolves voices against a Table. The zero value uses DefaultTable.
type Resolver struct {
	table Table
}

// NewResolver returns a Resolver whose table is DefaultTable overlaid with
// overrides. Empty override values are ignored.
func NewResolver(overrides map[string]string) *Resolver {
	t := make(Table, len(DefaultTable))
	for k, v := range DefaultTable {
		t[k] = v
	}
	for k, v := range overrides {
		if v = strings.TrimSpace(v); v != "" {
			t[Slot(k)] = v
		}
	}
	return &Resolver{table: t}
}

// Resolve returns the voice for a character named name. attrs may be nil.
func (r *Resolver) Resolve(name string, attrs *game.Character) string {
	if attrs != nil {
		if v := strings.TrimSpace(attrs.VoiceID); v != "" {
			return v
		}
	}
	if slot, ok := curatedNames[name]; ok {
		return r.voice(slot)
	}
	if attrs != nil {
		elder := attrs.AgeGroup == game.AgeElder
		switch attrs.Gender {
		case game.GenderMale:
			if elder {
				return r.voice(SlotElderMale)
			}
			return r.voice(SlotMale)
		case game.GenderFemale:
			if elder {
				return r.voice(SlotElderFemale)
			}
			return r.voice(SlotFemale)
		}
	}
	if containsAny(name, maleKeywords) {
		return r.voice(SlotMale)
	}
	if containsAny(name, femaleKeywords) {
		return r.voice(SlotFemale)
	}
	return r.voice(SlotDefault)
}

func (r *Resolver) voice(s Slot) string {
	t := r.table
	if t == nil {
		t = DefaultTable
	}
	if v := t[s]; v != "" {
		return v
	}
	return DefaultTable[s]
}

// Resolve resolves name against DefaultTable.
func Resolve(name string, attrs *game.Character) string {
	var r Resolver
	return r.Resolve(name, attrs)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
