package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/jubensha/internal/agent/orchestrator"
	"github.com/MrWong99/jubensha/internal/app"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/gin-gonic/gin"
)

// maxChatLimit caps the limit query parameter of the chat route.
const maxChatLimit = 500

// publicCharacter is the part of a character every player may see.
type publicCharacter struct {
	Name     string        `json:"name"`
	Gender   game.Gender   `json:"gender,omitempty"`
	AgeGroup game.AgeGroup `json:"age_group,omitempty"`
	IsVictim bool          `json:"is_victim,omitempty"`
	Profile  string        `json:"profile,omitempty"`
}

type sessionView struct {
	app.SessionInfo
	Roster      []publicCharacter  `json:"roster"`
	Frequencies map[string]int     `json:"frequencies"`
	RecentChat  []game.ChatMessage `json:"recent_chat"`
	Evidence    []game.Evidence    `json:"evidence"`
}

func viewOf(s *app.Session) sessionView {
	o := s.Orchestrator
	chars := o.Characters()
	roster := make([]publicCharacter, len(chars))
	for i, c := range chars {
		roster[i] = publicCharacter{
			Name:     c.Name,
			Gender:   c.Gender,
			AgeGroup: c.AgeGroup,
			IsVictim: c.IsVictim,
			Profile:  c.Profile,
		}
	}
	return sessionView{
		SessionInfo: s.Info(),
		Roster:      roster,
		Frequencies: o.Frequencies(),
		RecentChat:  nonNil(o.RecentChat()),
		Evidence:    nonNil(o.Evidence()),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func abort(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		observe.Logger(c.Request.Context()).Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// session loads the :id session or aborts with 404.
func (s *Server) session(c *gin.Context) (*app.Session, bool) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		abort(c, http.StatusNotFound, err)
		return nil, false
	}
	c.Request = c.Request.WithContext(observe.WithSession(c.Request.Context(), sess.ID))
	return sess, true
}

func (s *Server) createSession(c *gin.Context) {
	var req app.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, app.ErrUnknownScript):
		abort(c, http.StatusNotFound, err)
		return
	case errors.Is(err, app.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(sess))
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": nonNil(s.sessions.List())})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) stopSession(c *gin.Context) {
	if err := s.sessions.Stop(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, http.StatusNotFound, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// runPhase runs one phase. By default the request waits for the run and
// gets every chat event back. With async=true the run continues in the
// background and the response is 202; events then arrive over the
// websocket only.
func (s *Server) runPhase(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	phase, err := game.ParsePhase(c.Param("phase"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), s.runTimeout)
		done, err := sess.Orchestrator.Start(ctx, phase)
		if err != nil {
			cancel()
			s.phaseError(c, err)
			return
		}
		go func() {
			defer cancel()
			if res := <-done; res.Err != nil {
				observe.Logger(ctx).Warn("background phase run ended early",
					"phase", phase.String(), "utterances", len(res.Events), "err", res.Err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID, "phase": phase})
		return
	}

	events, err := sess.Orchestrator.RunPhase(c.Request.Context(), phase)
	if err != nil {
		s.phaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  sess.ID,
		"phase":       phase,
		"events":      nonNil(events),
		"frequencies": sess.Orchestrator.Frequencies(),
	})
}

func (s *Server) phaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBusy):
		abort(c, http.StatusConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		abort(c, http.StatusServiceUnavailable, err)
	default:
		abort(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) addEvidence(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var ev game.Evidence
	if err := c.ShouldBindJSON(&ev); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := sess.Orchestrator.AddEvidence(ev); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": sess.Orchestrator.Evidence()})
}

func (s *Server) chat(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	limit, err := queryLimit(c, game.RecentChatSize, maxChatLimit)
	if err == nil && limit == 0 {
		err = errors.New("limit must be positive")
	}
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if s.history != nil {
		events, err := s.history.History(c.Request.Context(), sess.ID, limit)
		if err != nil {
			abort(c, http.StatusBadGateway, err)
			return
		}
		msgs := make([]game.ChatMessage, 0, len(events))
		for _, ev := range events {
			if ev.Message != nil {
				msgs = append(msgs, *ev.Message)
			}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}
	all := sess.Orchestrator.Chat()
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(all[max(0, len(all)-limit):])})
}

func (s *Server) ttsHistory(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	limit, err := queryLimit(c, 0, 0)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	events, err := sess.Speech.History(c.Request.Context(), sess.ID, c.Query("character"), limit)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": nonNil(events)})
}

// streamTTS speaks text in a character's voice and forwards the audio as
// server-sent events: "audio" per hex chunk, an "error" event if synthesis
// fails, and always a final "end".
func (s *Server) streamTTS(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	name := c.Query("character")
	text := strings.TrimSpace(c.Query("text"))
	if text == "" {
		abort(c, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	chars := sess.Orchestrator.Characters()
	i := slices.IndexFunc(chars, func(ch game.Character) bool { return ch.Name == name })
	if i < 0 {
		abort(c, http.StatusBadRequest, orchestrator.ErrUnknownCharacter)
		return
	}

	chunks, err := sess.Speech.StreamCharacterTTS(c.Request.Context(), name, text, &chars[i])
	if err != nil {
		abort(c, http.StatusBadGateway, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		chunk, ok := <-chunks
		if !ok {
			return false
		}
		switch {
		case chunk.Err != nil:
			c.SSEvent("error", gin.H{"error": chunk.Err.Error()})
			return true
		case chunk.End:
			c.SSEvent("end", gin.H{"format": chunk.Format})
			return false
		default:
			c.SSEvent("audio", gin.H{"audio": chunk.Audio, "format": chunk.Format})
			return true
		}
	})
}

func (s *Server) websocket(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := s.subs.ServeWS(c.Request.Context(), c.Writer, c.Request, sess.ID); err != nil {
		observe.Logger(c.Request.Context()).Debug("websocket closed", "err", err)
	}
}

// queryLimit parses the limit query parameter. A missing value yields def;
// ceiling, when positive, caps the result.
func queryLimit(c *gin.Context, def, ceiling int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}
