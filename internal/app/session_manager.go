package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/jubensha/internal/agent"
	"github.com/MrWong99/jubensha/internal/agent/orchestrator"
	"github.com/MrWong99/jubensha/internal/config"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/internal/script"
	"github.com/MrWong99/jubensha/internal/speech"
	"github.com/MrWong99/jubensha/internal/voice"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
	"github.com/google/uuid"
)

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	ID         string     `json:"id"`
	ScriptID   string     `json:"script_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	Phase      game.Phase `json:"phase"`
	Characters int        `json:"characters"`
	StartedAt  time.Time  `json:"started_at"`
}

// Session is one running game.
type Session struct {
	ID        string
	ScriptID  string
	Title     string
	StartedAt time.Time

	Orchestrator *orchestrator.Orchestrator
	Speech       *speech.Pipeline

	provider tts.Provider
}

// Info returns a snapshot of the session's metadata.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		ScriptID:   s.ScriptID,
		Title:      s.Title,
		Phase:      s.Orchestrator.Phase(),
		Characters: len(s.Orchestrator.Characters()),
		StartedAt:  s.StartedAt,
	}
}

// CreateRequest describes a new session. Either ScriptID or Characters must
// be set. With a script, Title, Background and Evidence fall back to the
// script's values when empty.
type CreateRequest struct {
	ScriptID   string           `json:"script_id,omitempty"`
	Title      string           `json:"title,omitempty"`
	Background string           `json:"background,omitempty"`
	Characters []game.Character `json:"characters,omitempty"`
	Evidence   []game.Evidence  `json:"evidence,omitempty"`
	Rounds     map[string]int   `json:"rounds,omitempty"`
}

// Disconnecter drops all subscribers of a session.
type Disconnecter interface {
	CloseSession(sessionID string)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Registry  *config.Registry
	Providers Providers

	// Scripts may be nil when only inline rosters are used.
	Scripts *script.Library

	// Broadcaster receives chat events of every session. May be nil.
	Broadcaster orchestrator.Broadcaster

	// Subscribers is told when a session stops. May be nil.
	Subscribers Disconnecter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// NewID defaults to random UUIDs.
	NewID func() string

	// Now defaults to time.Now.
	Now func() time.Time

	// SelectorOptions are appended to every session's selector options.
	SelectorOptions []orchestrator.SelectorOption
}

// SessionManager manages the lifecycle of game sessions.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	registry    *config.Registry
	providers   Providers
	scripts     *script.Library
	broadcaster orchestrator.Broadcaster
	subscribers Disconnecter
	metrics     *observe.Metrics
	newID       func() string
	now         func() time.Time
	selOpts     []orchestrator.SelectorOption

	mu       sync.RWMutex
	cfg      *config.Config
	sessions map[string]*Session
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(c SessionManagerConfig) (*SessionManager, error) {
	if c.Config == nil {
		return nil, errors.New("app: config is required")
	}
	if c.Registry == nil {
		return nil, errors.New("app: provider registry is required")
	}
	if c.Providers.LLM == nil {
		return nil, errors.New("app: llm provider is required")
	}
	if c.Providers.Blob == nil {
		return nil, errors.New("app: blob store is required")
	}
	sm := &SessionManager{
		registry:    c.Registry,
		providers:   c.Providers,
		scripts:     c.Scripts,
		broadcaster: c.Broadcaster,
		subscribers: c.Subscribers,
		metrics:     c.Metrics,
		newID:       c.NewID,
		now:         c.Now,
		selOpts:     c.SelectorOptions,
		cfg:         c.Config,
		sessions:    make(map[string]*Session),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.newID == nil {
		sm.newID = uuid.NewString
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm, nil
}

// Create starts a new session. The returned session is registered and can
// be looked up by its ID.
func (sm *SessionManager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	sm.mu.RLock()
	cfg := sm.cfg
	sm.mu.RUnlock()

	req, scriptRounds, err := sm.resolve(req)
	if err != nil {
		return nil, err
	}
	if len(req.Characters) == 0 {
		return nil, fmt.Errorf("%w: script_id or characters required", ErrInvalidRequest)
	}
	rounds, err := requestRounds(req.Rounds)
	if err != nil {
		return nil, err
	}

	provider, err := sm.registry.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider: %w", err)
	}

	id := sm.newID()
	pipeline := speech.New(provider, sm.providers.Blob, sm.providers.Events,
		speech.WithResolver(voice.NewResolver(cfg.Game.Voices)),
		speech.WithProviderName(cfg.Providers.TTS.Name),
		speech.WithMetrics(sm.metrics),
	)

	selOpts := []orchestrator.SelectorOption{orchestrator.WithSelectorMetrics(sm.metrics)}
	if cfg.Game.SelectionEnabled() {
		selOpts = append(selOpts, orchestrator.WithLLM(sm.providers.LLM))
	}
	selOpts = append(selOpts, sm.selOpts...)

	genOpts := []agent.GeneratorOption{agent.WithMetrics(sm.metrics)}
	if cfg.Game.Temperature > 0 {
		genOpts = append(genOpts, agent.WithTemperature(cfg.Game.Temperature))
	}
	if cfg.Game.MaxTokens > 0 {
		genOpts = append(genOpts, agent.WithMaxTokens(cfg.Game.MaxTokens))
	}

	opts := []orchestrator.Option{
		orchestrator.WithSelector(orchestrator.NewSelector(selOpts...)),
		orchestrator.WithMetrics(sm.metrics),
		orchestrator.WithScript(req.Title, req.Background),
		orchestrator.WithEvidence(req.Evidence),
	}
	if sm.broadcaster != nil {
		opts = append(opts, orchestrator.WithBroadcaster(sm.broadcaster))
	}
	// Config rounds are the default, script rounds override them and the
	// request overrides both.
	merged := cfg.Game.PhaseRounds()
	maps.Copy(merged, scriptRounds)
	maps.Copy(merged, rounds)
	for phase, n := range merged {
		opts = append(opts, orchestrator.WithRounds(phase, n))
	}

	gen := agent.NewLLMGenerator(sm.providers.LLM, genOpts...)
	orch, err := orchestrator.New(id, req.Characters, gen, pipeline, opts...)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	sess := &Session{
		ID:           id,
		ScriptID:     req.ScriptID,
		Title:        req.Title,
		StartedAt:    sm.now().UTC(),
		Orchestrator: orch,
		Speech:       pipeline,
		provider:     provider,
	}

	sm.mu.Lock()
	sm.sessions[id] = sess
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("session started",
		"session_id", id,
		"script_id", req.ScriptID,
		"characters", len(req.Characters),
		"tts_provider", cfg.Providers.TTS.Name,
	)
	return sess, nil
}

// resolve fills req from its script, if any, and returns the script's
// per-phase rounds.
func (sm *SessionManager) resolve(req CreateRequest) (CreateRequest, map[game.Phase]int, error) {
	if req.ScriptID == "" {
		return req, nil, nil
	}
	if sm.scripts == nil {
		return req, nil, fmt.Errorf("%w: %q", ErrUnknownScript, req.ScriptID)
	}
	s, err := sm.scripts.Get(req.ScriptID)
	if err != nil {
		return req, nil, fmt.Errorf("%w: %q", ErrUnknownScript, req.ScriptID)
	}
	if len(req.Characters) == 0 {
		req.Characters = slices.Clone(s.Characters)
	}
	req.Title = cmp.Or(req.Title, s.Title)
	req.Background = cmp.Or(req.Background, s.Background)
	if len(req.Evidence) == 0 {
		for _, e := range s.Evidence {
			if e.Discoverer != "" {
				req.Evidence = append(req.Evidence, e)
			}
		}
	}
	return req, s.PhaseRounds(), nil
}

func requestRounds(in map[string]int) (map[game.Phase]int, error) {
	out := make(map[game.Phase]int, len(in))
	for name, n := range in {
		p, err := game.ParsePhase(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if n < 1 {
			return nil, fmt.Errorf("%w: rounds.%s must be at least 1", ErrInvalidRequest, name)
		}
		out[p] = n
	}
	return out, nil
}

// Get returns the session with the given ID.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns all live sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.RLock()
	sessions := slices.Collect(maps.Values(sm.sessions))
	sm.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Stop ends a session, closes its TTS provider and disconnects its
// subscribers. A phase run in progress keeps its own context and finishes
// with text-only turns once the provider is closed.
func (sm *SessionManager) Stop(ctx context.Context, id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	sm.teardown(ctx, s)
	return nil
}

// StopAll ends every live session.
func (sm *SessionManager) StopAll(ctx context.Context) {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, s := range sessions {
		sm.teardown(ctx, s)
	}
}

func (sm *SessionManager) teardown(ctx context.Context, s *Session) {
	log := observe.Logger(ctx).With("session_id", s.ID)
	if err := s.provider.Close(); err != nil {
		log.Warn("close tts provider", "err", err)
	}
	if sm.subscribers != nil {
		sm.subscribers.CloseSession(s.ID)
	}
	sm.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("session stopped")
}

// UpdateConfig swaps the configuration used for sessions created from now
// on. Live sessions keep the rounds and voices they started with.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Config returns the configuration new sessions are built from.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cfg
}
