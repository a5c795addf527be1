// Package mock provides a test double for [agent.UtteranceGenerator].
//
// Example:
//
//	gen := &mock.Generator{Lines: map[string]string{"侦探": "我有一个问题。"}}
//	text, err := gen.Generate(ctx, game.PhaseDiscussion, detective, gctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/jubensha/internal/agent"
	"github.com/MrWong99/jubensha/internal/game"
)

// GenerateCall records the arguments of a single Generate invocation.
type GenerateCall struct {
	Phase     game.Phase
	Character game.Character
	Context   agent.GenerationContext
}

// Generator is a mock implementation of [agent.UtteranceGenerator].
type Generator struct {
	mu sync.Mutex

	// Lines maps character names to the text returned for them. Characters
	// without an entry get Default.
	Lines map[string]string

	// Default is returned for characters missing from Lines.
	Default string

	// Errs maps character names to an error returned for them.
	Errs map[string]error

	// Calls records every Generate invocation in order.
	Calls []GenerateCall
}

var _ agent.UtteranceGenerator = (*Generator)(nil)

// Generate records the call and returns the configured line or error.
func (g *Generator) Generate(_ context.Context, phase game.Phase, character game.Character, gctx agent.GenerationContext) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, GenerateCall{Phase: phase, Character: character, Context: gctx})
	if err, ok := g.Errs[character.Name]; ok {
		return "", err
	}
	if line, ok := g.Lines[character.Name]; ok {
		return line, nil
	}
	return g.Default, nil
}

// Speakers returns the names passed to Generate, in call order.
func (g *Generator) Speakers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.Calls))
	for i, c := range g.Calls {
		out[i] = c.Character.Name
	}
	return out
}
