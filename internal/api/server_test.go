package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danvaneijck/attache/internal/agent"
	"github.com/danvaneijck/attache/internal/budget"
	"github.com/danvaneijck/attache/internal/registry"
)

// fakeTurner scripts the loop behind the API.
type fakeTurner struct {
	fn func(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error)
}

func (f *fakeTurner) Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
	return f.fn(ctx, req)
}

// fakeLister records the arguments of the last listing.
type fakeLister struct {
	tools      []registry.Tool
	lastLevel  int
	lastSpaces []string
}

func (f *fakeLister) ListTools(level int, namespaces []string) []registry.Tool {
	f.lastLevel = level
	f.lastSpaces = namespaces
	return f.tools
}

func newTestServer(t *testing.T, turner Turner, lister ToolLister, hub *Hub) (*Server, *budget.Store) {
	t.Helper()
	store, err := budget.NewStore(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("budget store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer("", 0, turner, lister, store, nil, hub, logger), store
}

func TestHandleTurn(t *testing.T) {
	turner := &fakeTurner{fn: func(_ context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
		return &agent.TurnResponse{
			ConversationID: req.ConversationID,
			Content:        "echo: " + req.Content,
		}, nil
	}}
	srv, _ := newTestServer(t, turner, &fakeLister{}, nil)

	body := `{"user_id":"u1","conversation_id":"c1","content":"hello"}`
	req := httptest.NewRequest("POST", "/v1/turn", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp agent.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "echo: hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.ConversationID != "c1" {
		t.Errorf("conversation_id = %q", resp.ConversationID)
	}
}

func TestHandleTurn_Validation(t *testing.T) {
	turner := &fakeTurner{fn: func(context.Context, agent.TurnRequest) (*agent.TurnResponse, error) {
		t.Fatal("loop must not run for invalid requests")
		return nil, nil
	}}
	srv, _ := newTestServer(t, turner, &fakeLister{}, nil)

	for _, body := range []string{
		`not json`,
		`{"content":"missing user"}`,
		`{"user_id":"u1"}`,
	} {
		req := httptest.NewRequest("POST", "/v1/turn", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHandleTurn_UnknownUser(t *testing.T) {
	turner := &fakeTurner{fn: func(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
		return nil, budget.ErrUnknownUser
	}}
	srv, _ := newTestServer(t, turner, &fakeLister{}, nil)

	req := httptest.NewRequest("POST", "/v1/turn", strings.NewReader(`{"user_id":"ghost","content":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleTools(t *testing.T) {
	lister := &fakeLister{tools: []registry.Tool{
		{Name: "search.query", Description: "Search", MinPermission: 0},
	}}
	srv, store := newTestServer(t, &fakeTurner{}, lister, nil)

	if err := store.UpsertUser(context.Background(), budget.User{ID: "u1", PermissionLevel: 3}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/v1/tools?user_id=u1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if lister.lastLevel != 3 {
		t.Errorf("listing used level %d, want the user's level 3", lister.lastLevel)
	}

	var body struct {
		Tools []toolView `json:"tools"`
		Count int        `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Tools[0].Name != "search.query" {
		t.Errorf("body = %+v", body)
	}

	// Unknown users get a 404, not an empty listing.
	req = httptest.NewRequest("GET", "/v1/tools?user_id=ghost", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
}

func TestHandleUsage(t *testing.T) {
	srv, store := newTestServer(t, &fakeTurner{}, &fakeLister{}, nil)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, budget.User{ID: "u1", PermissionLevel: 2, BudgetRemaining: 5000}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordUsage(ctx, budget.Record{
		TurnID: "t1", UserID: "u1", Vendor: "anthropic", Model: "m",
		InputTokens: 100, OutputTokens: 40,
	}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/v1/users/u1/usage", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["budget_remaining"].(float64) != 5000 {
		t.Errorf("budget_remaining = %v", body["budget_remaining"])
	}
	if body["input_tokens"].(float64) != 100 || body["output_tokens"].(float64) != 40 {
		t.Errorf("usage totals = %v / %v", body["input_tokens"], body["output_tokens"])
	}
}

func TestHandleUpsertUser(t *testing.T) {
	srv, store := newTestServer(t, &fakeTurner{}, &fakeLister{}, nil)

	body := `{"permission_level":4,"budget_remaining":100000}`
	req := httptest.NewRequest("PUT", "/v1/users/u9", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	u, err := store.GetUser(context.Background(), "u9")
	if err != nil {
		t.Fatal(err)
	}
	if u.PermissionLevel != 4 || u.BudgetRemaining != 100000 {
		t.Errorf("stored user = %+v", u)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTurner{}, &fakeLister{}, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestTurnStream(t *testing.T) {
	hub := NewHub()
	turner := &fakeTurner{fn: func(_ context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
		hub.TurnStarted(req.ConversationID, req.UserID)
		hub.ToolExecuted(req.ConversationID, "search.query", false)
		hub.TurnCompleted(req.ConversationID, 2, false)
		return &agent.TurnResponse{ConversationID: req.ConversationID, Content: "streamed answer"}, nil
	}}
	srv, _ := newTestServer(t, turner, &fakeLister{}, hub)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/turn/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(agent.TurnRequest{
		UserID: "u1", ConversationID: "c1", Content: "hello",
	}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var eventTypes []string
	var response *agent.TurnResponse
	for i := 0; i < 10 && (response == nil || len(eventTypes) < 3); i++ {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		switch msg.Type {
		case "event":
			eventTypes = append(eventTypes, msg.Event.Type)
		case "response":
			response = msg.Response
		case "error":
			t.Fatalf("error frame: %s", msg.Error)
		}
	}

	if response == nil {
		t.Fatal("never received a response frame")
	}
	if response.Content != "streamed answer" {
		t.Errorf("content = %q", response.Content)
	}
	if len(eventTypes) != 3 {
		t.Errorf("got %d events %v, want 3", len(eventTypes), eventTypes)
	}
}

func TestHub_SubscribeAndCancel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("c1")

	hub.TurnStarted("c1", "u1")
	hub.TurnStarted("other", "u1")

	ev := <-ch
	if ev.ConversationID != "c1" {
		t.Errorf("got event for %q", ev.ConversationID)
	}
	select {
	case ev := <-ch:
		t.Errorf("leaked event from another conversation: %+v", ev)
	default:
	}

	cancel()
	hub.TurnStarted("c1", "u1")
	select {
	case ev := <-ch:
		t.Errorf("cancelled subscription still received %+v", ev)
	default:
	}
}
