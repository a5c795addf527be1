package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/jubensha/internal/game"
	"github.com/MrWong99/jubensha/internal/observe"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestHub(t *testing.T, opts ...HubOption) (*Hub, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := NewHub(append([]HubOption{WithMetrics(m)}, opts...)...)
	t.Cleanup(h.Close)
	return h, reader
}

func subscriberGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "jubensha.subscribers" {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func chatEvent(session, character, text string) game.ChatEvent {
	return game.ChatEvent{
		Type:      game.EventChat,
		SessionID: session,
		Phase:     game.PhaseDiscussion,
		Message:   &game.ChatMessage{Character: character, Message: text},
	}
}

func receive(t *testing.T, ch <-chan game.ChatEvent) game.ChatEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return game.ChatEvent{}
}

func TestHub_PublishToSessionOnly(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(t)
	a, cancelA, err := h.Subscribe("s1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelA()
	b, cancelB, _ := h.Subscribe("s2")
	defer cancelB()

	if err := h.Publish(context.Background(), chatEvent("s1", "侦探", "开始吧")); err != nil {
		t.Fatal(err)
	}
	if ev := receive(t, a); ev.Message.Message != "开始吧" {
		t.Errorf("got %+v", ev)
	}
	select {
	case ev := <-b:
		t.Errorf("s2 received %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(t, WithBuffer(2))
	ch, cancel, _ := h.Subscribe("s1")
	defer cancel()

	for i := range 5 {
		if err := h.Publish(context.Background(), chatEvent("s1", "B", strings.Repeat("x", i+1))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if got := len(ch); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if ev := receive(t, ch); ev.Message.Message != "x" {
		t.Errorf("first kept event = %q, want the oldest", ev.Message.Message)
	}
}

func TestHub_SubscriberLifecycle(t *testing.T) {
	t.Parallel()

	h, reader := newTestHub(t)
	ch1, cancel1, _ := h.Subscribe("s1")
	_, cancel2, _ := h.Subscribe("s1")
	if h.Subscribers("s1") != 2 || subscriberGauge(t, reader) != 2 {
		t.Fatalf("subscribers = %d", h.Subscribers("s1"))
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("channel should be closed after cancel")
	}
	if h.Subscribers("s1") != 1 {
		t.Errorf("subscribers = %d, want 1", h.Subscribers("s1"))
	}

	h.CloseSession("s1")
	cancel2()
	if h.Subscribers("s1") != 0 || subscriberGauge(t, reader) != 0 {
		t.Errorf("after CloseSession: %d subscribers, gauge %d", h.Subscribers("s1"), subscriberGauge(t, reader))
	}
}

func TestHub_Closed(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(t)
	ch, _, _ := h.Subscribe("s1")
	h.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}
	if err := h.Publish(context.Background(), chatEvent("s1", "B", "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish err = %v, want ErrClosed", err)
	}
	if _, _, err := h.Subscribe("s1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe err = %v, want ErrClosed", err)
	}
}

func TestHub_ServeWS(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(r.Context(), w, r, "s1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	// The subscription is registered before the handshake completes.
	if n := h.Subscribers("s1"); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	want := chatEvent("s1", "管家", "晚餐已经准备好了。")
	if err := h.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	var got game.ChatEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Type != game.EventChat || got.Phase != game.PhaseDiscussion || got.Message == nil || got.Message.Character != "管家" {
		t.Errorf("got %+v", got)
	}

	h.CloseSession("s1")
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", websocket.CloseStatus(err), err)
	}
}
