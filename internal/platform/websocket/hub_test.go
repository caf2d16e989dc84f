package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/salus/reminders/internal/platform/auth"
)

func newClient(owner string, buffer int) *Client {
	return &Client{ID: owner + "-client", Topic: OwnerTopic(owner), Send: make(chan []byte, buffer)}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := newClient("patient-1", 4)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("owner:patient-1") != 1 {
		t.Fatalf("clients = %d, topic = %d", hub.ClientCount(), hub.TopicCount("owner:patient-1"))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("owner:patient-1") != 0 {
		t.Fatalf("clients = %d after unregister", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send to be closed")
	}
}

func TestHub_PushReachesOnlyOwner(t *testing.T) {
	hub := NewHub()
	hub.now = func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) }
	mine, other := newClient("patient-1", 4), newClient("patient-2", 4)
	hub.Register(mine)
	hub.Register(other)

	err := hub.Push(context.Background(), "patient-1", "Time for your Ibuprofen", "Take 400mg.", map[string]any{"id": 1_000_004_000})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case raw := <-mine.Send:
		var got Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Type != EventReminder || got.Topic != "owner:patient-1" || got.Title != "Time for your Ibuprofen" {
			t.Errorf("event = %+v", got)
		}
		if !got.Timestamp.Equal(hub.now()) {
			t.Errorf("timestamp = %v", got.Timestamp)
		}
	default:
		t.Fatal("owner did not receive the event")
	}
	if len(other.Send) != 0 {
		t.Error("another owner received the event")
	}
}

func TestHub_PushWithoutSession(t *testing.T) {
	hub := NewHub()
	if err := hub.Push(context.Background(), "patient-1", "t", "b", nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}

func TestHub_PushSkipsFullBuffers(t *testing.T) {
	hub := NewHub()
	client := newClient("patient-1", 1)
	hub.Register(client)

	if err := hub.Push(context.Background(), "patient-1", "first", "", nil); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := hub.Push(context.Background(), "patient-1", "second", "", nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("second push err = %v, want ErrNoSession", err)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("patient-1", 1)
			hub.Register(c)
			_ = hub.Push(context.Background(), "patient-1", "t", "b", nil)
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", hub.ClientCount())
	}
}

func TestHandler_RequiresOwner(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := NewHandler(NewHub(), nil, zerolog.Nop()).HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware(auth.JWTConfig{}, "patient-1"))
	NewHandler(hub, []string{"https://app.salus.example"}, zerolog.Nop()).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := gorillawebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v, want 403", resp)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub()
	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware(auth.JWTConfig{}, "patient-1"))
	NewHandler(hub, []string{"*"}, zerolog.Nop()).RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(OwnerTopic("patient-1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered on the owner topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := hub.Push(context.Background(), "patient-1", "Appointment reminder", "Tomorrow at 10:00", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != EventReminder || received.Body != "Tomorrow at 10:00" {
		t.Fatalf("event = %+v", received)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
