package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/jubensha/internal/api"
	"github.com/MrWong99/jubensha/internal/app"
	"github.com/MrWong99/jubensha/internal/broadcast"
	"github.com/MrWong99/jubensha/internal/config"
	"github.com/MrWong99/jubensha/internal/eventlog"
	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/health"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/MrWong99/jubensha/internal/script"
	blobmock "github.com/MrWong99/jubensha/pkg/blobstore/mock"
	"github.com/MrWong99/jubensha/pkg/provider/llm"
	llmmock "github.com/MrWong99/jubensha/pkg/provider/llm/mock"
	"github.com/MrWong99/jubensha/pkg/provider/tts"
	ttsmock "github.com/MrWong99/jubensha/pkg/provider/tts/mock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv    *httptest.Server
	hub    *broadcast.Hub
	events *eventlog.MemStore
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	return newStreamFixture(t, []tts.StreamChunk{{Audio: "4944"}, {Audio: "33"}}, opts...)
}

// newStreamFixture is newFixture with the chunks the TTS mock streams.
func newStreamFixture(t *testing.T, stream []tts.StreamChunk, opts ...api.Option) *fixture {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := config.NewRegistry()
	reg.RegisterTTS("minimax", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{
			SynthesizeResponse: &tts.Response{Audio: []byte("ID3"), Format: "mp3"},
			StreamChunks:       stream,
		}, nil
	})
	cfg := &config.Config{}
	cfg.Providers.TTS = config.ProviderEntry{Name: "minimax"}

	lib := script.NewLibrary()
	err = lib.Add(&script.Script{
		ID:    "manor",
		Title: "雾中庄园",
		Characters: []game.Character{
			{Name: "庄园主人", IsVictim: true},
			{Name: "管家", Gender: game.GenderMale, Secret: "我拿了钥匙"},
			{Name: "女仆", Gender: game.GenderFemale},
			{Name: "侦探"},
		},
	})
	if err != nil {
		t.Fatalf("Add script: %v", err)
	}

	hub := broadcast.NewHub(broadcast.WithMetrics(metrics))
	t.Cleanup(hub.Close)
	events := eventlog.NewMemStore()

	sm, err := app.NewSessionManager(app.SessionManagerConfig{
		Config:   cfg,
		Registry: reg,
		Providers: app.Providers{
			LLM:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "我什么都不知道。"}},
			Blob:   &blobmock.Store{},
			Events: events,
		},
		Scripts:     lib,
		Broadcaster: hub,
		Subscribers: hub,
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}

	opts = append([]api.Option{
		api.WithSubscriptions(hub),
		api.WithHealth(health.New()),
		api.WithMetrics(metrics),
	}, opts...)
	srv := httptest.NewServer(api.New(sm, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, hub: hub, events: events}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"script_id": "manor"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	return out.ID
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "我拿了钥匙") {
		t.Error("session view leaks a character secret")
	}
	var view struct {
		ID     string     `json:"id"`
		Phase  game.Phase `json:"phase"`
		Roster []struct {
			Name string `json:"name"`
		} `json:"roster"`
		RecentChat []game.ChatMessage `json:"recent_chat"`
	}
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	if view.ID != id || view.Phase != game.PhaseIntroduction || len(view.Roster) != 4 {
		t.Errorf("view = %+v", view)
	}
	if view.RecentChat == nil {
		t.Error("recent_chat should be an empty list, not null")
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), id) {
		t.Errorf("list = %d: %s", resp.StatusCode, body)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown script", map[string]string{"script_id": "nope"}, http.StatusNotFound},
		{"no roster", map[string]string{"title": "空"}, http.StatusBadRequest},
		{"bad phase", map[string]any{"script_id": "manor", "rounds": map[string]int{"LUNCH": 1}}, http.StatusBadRequest},
		{"not an object", []int{1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, body := f.do(t, http.MethodPost, "/api/v1/sessions", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestRunPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/phases/introduction/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Phase       game.Phase       `json:"phase"`
		Events      []game.ChatEvent `json:"events"`
		Frequencies map[string]int   `json:"frequencies"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Phase != game.PhaseIntroduction || len(out.Events) != 3 {
		t.Fatalf("got phase %v with %d events", out.Phase, len(out.Events))
	}
	for _, name := range []string{"管家", "女仆", "侦探"} {
		if out.Frequencies[name] != 1 {
			t.Errorf("frequency[%s] = %d, want 1", name, out.Frequencies[name])
		}
	}
	if out.Frequencies["庄园主人"] != 0 {
		t.Error("victim spoke")
	}
}

func TestRunPhase_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown phase", "/api/v1/sessions/" + id + "/phases/lunch/run", http.StatusBadRequest},
		{"unknown session", "/api/v1/sessions/nope/phases/voting/run", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, body := f.do(t, http.MethodPost, tt.path, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestRunPhase_Async(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/phases/VOTING/run?async=true", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/chat?limit=10", nil)
		var out struct {
			Messages []game.ChatMessage `json:"messages"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatal(err)
		}
		if len(out.Messages) == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("background run produced %d messages, want 3", len(out.Messages))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAddEvidence(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	path := "/api/v1/sessions/" + id + "/evidence"

	resp, body := f.do(t, http.MethodPost, path, game.Evidence{Name: "钥匙", Description: "书房钥匙", Discoverer: "侦探"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "书房钥匙") {
		t.Errorf("body = %s", body)
	}

	for _, ev := range []game.Evidence{
		{Name: "信", Discoverer: "路人"},
		{Name: "  "},
	} {
		resp, body := f.do(t, http.MethodPost, path, ev)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("evidence %+v: status = %d: %s", ev, resp.StatusCode, body)
		}
	}
}

func TestTTSHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)
	if resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/phases/introduction/run", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d: %s", resp.StatusCode, body)
	}

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"one character", "?character=管家", 1},
		{"limited", "?limit=2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tts"+tt.query, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			var out struct {
				Events []eventlog.Event `json:"events"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				t.Fatal(err)
			}
			if len(out.Events) != tt.want {
				t.Errorf("events = %d, want %d", len(out.Events), tt.want)
			}
			for _, ev := range out.Events {
				if ev.TTSStatus != eventlog.StatusCompleted || ev.TTSFileURL == "" {
					t.Errorf("event = %+v", ev)
				}
			}
		})
	}

	resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tts?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamTTS(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tts/stream?character=管家&text=我在厨房", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	got := string(body)
	if strings.Count(got, "event:audio") != 2 || !strings.Contains(got, "event:end") {
		t.Errorf("stream = %q", got)
	}
	if strings.Index(got, "4944") > strings.Index(got, "event:end") {
		t.Error("audio arrived after end")
	}

	for _, q := range []string{"?character=路人&text=你好", "?character=管家"} {
		resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tts/stream"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestStreamTTS_ErrorStillEnds(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, []tts.StreamChunk{{Audio: "4944"}, {Err: errors.New("boom")}})
	id := f.create(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/tts/stream?character=管家&text=我在厨房", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	got := string(body)
	audio := strings.Index(got, "event:audio")
	failed := strings.Index(got, "event:error")
	end := strings.Index(got, "event:end")
	if audio < 0 || failed < 0 || end < 0 {
		t.Fatalf("stream = %q, want audio, error and end events", got)
	}
	if !(audio < failed && failed < end) {
		t.Errorf("stream = %q, want audio then error then end", got)
	}
	if !strings.Contains(got, "boom") {
		t.Errorf("stream = %q, want the provider error", got)
	}
}

func TestWebSocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if resp, body := f.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/phases/introduction/run", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d: %s", resp.StatusCode, body)
	}

	want := []string{game.EventPhaseStarted, game.EventChat, game.EventChat, game.EventChat, game.EventPhaseFinished}
	for i, typ := range want {
		var ev game.ChatEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if ev.Type != typ || ev.SessionID != id {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ev.SessionID, ev.Type, id, typ)
		}
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("read after stop err = %v, want normal closure", err)
	}

	if resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/nope/ws", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session ws status = %d, want 404", resp.StatusCode)
	}
}

func TestStopSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.create(t)

	if resp, _ := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

type fakeHistory struct {
	events []game.ChatEvent
	err    error
}

func (h *fakeHistory) History(_ context.Context, _ string, limit int) ([]game.ChatEvent, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.events[max(0, len(h.events)-limit):], nil
}

func TestChat_FromHistory(t *testing.T) {
	t.Parallel()

	hist := &fakeHistory{}
	for i := range 8 {
		hist.events = append(hist.events, game.ChatEvent{
			Type:    game.EventChat,
			Message: &game.ChatMessage{Character: "管家", Message: fmt.Sprintf("第%d句", i)},
		})
	}
	f := newFixture(t, api.WithChatHistory(hist))
	id := f.create(t)

	_, body := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/chat", nil)
	var out struct {
		Messages []game.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Messages) != game.RecentChatSize || out.Messages[4].Message != "第7句" {
		t.Errorf("messages = %+v", out.Messages)
	}

	hist.err = errors.New("redis down")
	if resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/chat", nil); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestChat_Limit(t *testing.T) {
	t.Parallel()

	backends := []struct {
		name string
		opts []api.Option
	}{
		{"in memory", nil},
		{"history", []api.Option{api.WithChatHistory(&fakeHistory{})}},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, b.opts...)
			id := f.create(t)

			for _, q := range []string{"0", "-1", "abc"} {
				resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/chat?limit="+q, nil)
				if resp.StatusCode != http.StatusBadRequest {
					t.Errorf("limit=%s: status = %d, want 400", q, resp.StatusCode)
				}
			}
			if resp, _ := f.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/chat?limit=1", nil); resp.StatusCode != http.StatusOK {
				t.Errorf("limit=1: status = %d, want 200", resp.StatusCode)
			}
		})
	}
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.mp3"), []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t,
		api.WithMedia("/media", dir),
		api.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics")
		})),
	)

	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "ok"},
		{"/readyz", "ok"},
		{"/metrics", "# metrics"},
		{"/media/a.mp3", "ID3"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			resp, body := f.do(t, http.MethodGet, tt.path, nil)
			if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), tt.want) {
				t.Errorf("%s = %d %q", tt.path, resp.StatusCode, body)
			}
		})
	}
}
