package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nepsesim/trading-engine/internal/metrics"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMultiPublishesToAllAndJoinsErrors(t *testing.T) {
	var a, b Recorder
	boom := errors.New("boom")
	m := Multi{&a, failing{boom}, &b}

	err := m.Publish(context.Background(), Event{Type: TradeExecuted})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("recorders got %d and %d events", len(a.Events()), len(b.Events()))
	}
}

func TestRecorderOfType(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.Publish(ctx, Event{Type: TradeExecuted})
	r.Publish(ctx, Event{Type: PriceUpdate})
	r.Publish(ctx, Event{Type: TradeExecuted})

	if n := len(r.OfType(TradeExecuted)); n != 2 {
		t.Errorf("trade events = %d, want 2", n)
	}
	r.Reset()
	if n := len(r.Events()); n != 0 {
		t.Errorf("after reset = %d", n)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(PriceBatchUpdate); got != "nepse.price_batch_update" {
		t.Errorf("Subject = %q", got)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return e
}

func TestWSHubFiltersByCompetition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?competition_id=b")

	// Registration is asynchronous; wait until the hub knows both clients.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.WebSocketClients) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(ctx, Event{Type: TradeExecuted, CompetitionID: "a"})
	hub.Publish(ctx, Event{Type: OrderUpdate, CompetitionID: "b"})

	if got := readEvent(t, all); got.Type != TradeExecuted {
		t.Errorf("all-client first event = %s", got.Type)
	}
	if got := readEvent(t, all); got.Type != OrderUpdate {
		t.Errorf("all-client second event = %s", got.Type)
	}
	if got := readEvent(t, onlyB); got.Type != OrderUpdate || got.CompetitionID != "b" {
		t.Errorf("filtered client got %+v", got)
	}
}
