package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ensemble-ai/ensemble/internal/llm"
	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/internal/orchestrator"
	"github.com/ensemble-ai/ensemble/internal/providers"
	"github.com/ensemble-ai/ensemble/internal/retry"
	"github.com/ensemble-ai/ensemble/internal/sessions"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, mock *providers.MockProvider) *orchestrator.Orchestrator {
	t.Helper()

	catalog, err := llm.NewCatalog([]models.ModelConfig{
		{Model: "alpha", Provider: "mock", ContextWindow: 100000},
	}, nil)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	registry := providers.NewRegistry()
	registry.Register(mock)
	service, err := llm.NewService(llm.ServiceConfig{
		Catalog:   catalog,
		Providers: registry,
		Retry:     retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2},
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Config{LLM: service, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	return orch
}

type gatewayHarness struct {
	srv   *Server
	web   *httptest.Server
	store *sessions.Store
	mock  *providers.MockProvider
}

func newHarness(t *testing.T, mock *providers.MockProvider) *gatewayHarness {
	t.Helper()

	store := sessions.NewStore(sessions.Config{})
	srv, err := New(Config{
		Orchestrator: newTestOrchestrator(t, mock),
		Sessions:     store,
		Metrics:      observability.NewMetrics(),
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(web.Close)
	t.Cleanup(srv.Close)
	return &gatewayHarness{srv: srv, web: web, store: store, mock: mock}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *gatewayHarness) dial(t *testing.T, userID string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.web.URL, "http") + "/ws"
	if userID != "" {
		url += "?userId=" + userID
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := &wsClient{t: t, conn: conn}
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) close() {
	_ = c.conn.Close()
}

func (c *wsClient) send(envelope string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(envelope)); err != nil {
		c.t.Fatalf("WriteMessage() error = %v", err)
	}
}

// next decodes the next event off the wire.
func (c *wsClient) next() map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("ReadMessage() error = %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return ev
}

// expect asserts the next event's type and returns it.
func (c *wsClient) expect(kind models.EventType) map[string]any {
	c.t.Helper()
	ev := c.next()
	if got, _ := ev["type"].(string); got != string(kind) {
		c.t.Fatalf("event type = %q, want %q (event: %v)", got, kind, ev)
	}
	return ev
}

func marshalEnvelope(t *testing.T, typ string, payload any) string {
	t.Helper()
	env, err := json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{typ, payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(env)
}

func gatewayAgents(names ...string) []models.Agent {
	agents := make([]models.Agent, len(names))
	for i, name := range names {
		agents[i] = models.Agent{
			ID:       "agent-" + name,
			Name:     name,
			Provider: "mock",
			Model:    "alpha",
		}
	}
	return agents
}

func chatBody(sessionID, message string, agents []models.Agent) map[string]any {
	return map[string]any{
		"sessionId": sessionID,
		"message":   message,
		"agents":    agents,
		"settings":  map[string]any{"orchestrationStrategy": "parallel"},
	}
}

func waitForTurns(t *testing.T, store *sessions.Store, sessionID string, want int) []models.ChatTurn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		turns := store.History(sessionID, 0)
		if len(turns) >= want {
			return turns
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s has %d turns, want %d", sessionID, len(turns), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForBuffered(t *testing.T, srv *Server, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if srv.hub.buffered(userID) >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox for %s holds %d events, want %d", userID, srv.hub.buffered(userID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without orchestrator err = nil, want error")
	}

	orch := newTestOrchestrator(t, providers.NewMockProvider("mock"))
	if _, err := New(Config{Orchestrator: orch}); err == nil {
		t.Error("New() without session store err = nil, want error")
	}
}

func TestGatewayGreetsOnConnect(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")

	ev := c.expect(models.EventConnected)
	if got := ev["userId"]; got != "u-1" {
		t.Errorf("connected userId = %v, want u-1", got)
	}
	if got, ok := ev["isReconnection"]; ok {
		t.Errorf("fresh connection carries isReconnection = %v", got)
	}
	agents, ok := ev["agents"].([]any)
	if !ok || len(agents) != 0 {
		t.Errorf("connected agents = %v, want empty list", ev["agents"])
	}
}

func TestGatewayGeneratesUserID(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "")

	ev := c.expect(models.EventConnected)
	if id, _ := ev["userId"].(string); id == "" {
		t.Error("connected userId is empty, want a generated id")
	}
}

func TestGatewayChatStreamsEvents(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(marshalEnvelope(t, "chat", chatBody("s-1", "hello there", gatewayAgents("ada"))))

	resp := c.expect(models.EventAgentResponse)
	agent, _ := resp["agent"].(map[string]any)
	if got := agent["name"]; got != "ada" {
		t.Errorf("agent_response agent = %v, want ada", got)
	}
	if got := resp["response"]; got != "alpha response to: hello there" {
		t.Errorf("agent_response response = %v, want the echo", got)
	}

	complete := c.expect(models.EventChatComplete)
	if got := complete["strategy"]; got != "parallel" {
		t.Errorf("chat_complete strategy = %v, want parallel", got)
	}

	turns := waitForTurns(t, h.store, "s-1", 2)
	if turns[0].Role != models.RoleUser || turns[0].Content != "hello there" {
		t.Errorf("turns[0] = %+v, want the user turn", turns[0])
	}
	if turns[1].Role != models.RoleAssistant || turns[1].AgentName != "ada" {
		t.Errorf("turns[1] = %+v, want ada's assistant turn", turns[1])
	}
}

func TestGatewayChatThreadsHistory(t *testing.T) {
	mock := providers.NewMockProvider("mock")
	h := newHarness(t, mock)
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(marshalEnvelope(t, "chat", chatBody("s-1", "first question", gatewayAgents("ada"))))
	c.expect(models.EventAgentResponse)
	c.expect(models.EventChatComplete)
	waitForTurns(t, h.store, "s-1", 2)

	c.send(marshalEnvelope(t, "chat", chatBody("s-1", "second question", gatewayAgents("ada"))))
	resp := c.expect(models.EventAgentResponse)
	if got := resp["response"]; got != "alpha response to: second question" {
		t.Errorf("second response = %v, want the echo", got)
	}
	c.expect(models.EventChatComplete)

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(calls))
	}
	msgs := calls[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second call carried %d messages, want prior turns plus the new message", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "first question" {
		t.Errorf("messages[0] = %+v, want the first user turn", msgs[0])
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("messages[1].Role = %q, want assistant", msgs[1].Role)
	}
	if msgs[2].Role != "user" || msgs[2].Content != "second question" {
		t.Errorf("messages[2] = %+v, want the second user turn", msgs[2])
	}
}

func TestGatewayUnknownTypeUnrecoverable(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(`{"type":"mystery","payload":{}}`)

	ev := c.expect(models.EventError)
	if msg, _ := ev["error"].(string); !strings.Contains(msg, "unknown message type") {
		t.Errorf("error = %q, want unknown message type", msg)
	}
	if got := ev["recoverable"]; got != false {
		t.Errorf("recoverable = %v, want false", got)
	}
}

func TestGatewaySchemaViolationUnrecoverable(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(`{"type":"chat","payload":{"sessionId":"s-1"}}`)

	ev := c.expect(models.EventError)
	if msg, _ := ev["error"].(string); !strings.Contains(msg, "invalid chat envelope") {
		t.Errorf("error = %q, want a schema complaint", msg)
	}
	if got := ev["recoverable"]; got != false {
		t.Errorf("recoverable = %v, want false", got)
	}

	// The channel itself survives bad input.
	c.send(marshalEnvelope(t, "chat", chatBody("s-1", "still here", gatewayAgents("ada"))))
	c.expect(models.EventAgentResponse)
	c.expect(models.EventChatComplete)
}

func TestGatewayUnknownStrategyRecoverable(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	body := chatBody("s-1", "hi", gatewayAgents("ada"))
	body["settings"] = map[string]any{"orchestrationStrategy": "zigzag"}
	c.send(marshalEnvelope(t, "chat", body))

	ev := c.expect(models.EventError)
	if msg, _ := ev["error"].(string); !strings.Contains(msg, "unknown orchestration strategy") {
		t.Errorf("error = %q, want unknown strategy", msg)
	}
	if got := ev["recoverable"]; got != true {
		t.Errorf("recoverable = %v, want true", got)
	}

	// The session stays usable after the failed dispatch.
	c.send(marshalEnvelope(t, "chat", chatBody("s-1", "try again", gatewayAgents("ada"))))
	c.expect(models.EventAgentResponse)
	c.expect(models.EventChatComplete)
}

func TestGatewayStartConversationAndStatus(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(marshalEnvelope(t, "start-conversation", map[string]any{
		"sessionId": "s-conv",
		"topic":     "release planning",
		"agents":    gatewayAgents("ada", "bram"),
	}))

	started := c.expect(models.EventConversationStart)
	if got := started["sessionId"]; got != "s-conv" {
		t.Errorf("conversation-start sessionId = %v, want s-conv", got)
	}
	if got := started["topic"]; got != "release planning" {
		t.Errorf("conversation-start topic = %v, want release planning", got)
	}
	if agents, _ := started["agents"].([]any); len(agents) != 2 {
		t.Errorf("conversation-start agents = %v, want 2 refs", started["agents"])
	}

	c.send(marshalEnvelope(t, "get-status", nil))

	status := c.expect(models.EventStatus)
	if got := status["activeConversations"]; got != float64(1) {
		t.Errorf("status activeConversations = %v, want 1", got)
	}
	if got := status["connectedClients"]; got != float64(1) {
		t.Errorf("status connectedClients = %v, want 1", got)
	}
	if agents, _ := status["agents"].([]any); len(agents) != 2 {
		t.Errorf("status agents = %v, want 2 refs", status["agents"])
	}
	if _, ok := status["uptime"]; !ok {
		t.Error("status missing uptime")
	}
}

func TestGatewayReconnectInheritsSessions(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))

	c1 := h.dial(t, "u-1")
	c1.expect(models.EventConnected)
	c1.send(marshalEnvelope(t, "start-conversation", map[string]any{
		"sessionId": "s-keep",
		"agents":    gatewayAgents("ada", "bram"),
	}))
	c1.expect(models.EventConversationStart)
	c1.close()

	c2 := h.dial(t, "u-1")
	ev := c2.expect(models.EventConnected)
	if got := ev["isReconnection"]; got != true {
		t.Errorf("isReconnection = %v, want true", got)
	}
	agents, _ := ev["agents"].([]any)
	if len(agents) != 2 || agents[0] != "agent-ada" || agents[1] != "agent-bram" {
		t.Errorf("inherited agents = %v, want [agent-ada agent-bram]", ev["agents"])
	}
}

func TestGatewayOutboxFlushOnReconnect(t *testing.T) {
	mock := providers.NewMockProvider("mock").WithDelay(150 * time.Millisecond)
	h := newHarness(t, mock)

	c1 := h.dial(t, "u-1")
	c1.expect(models.EventConnected)
	c1.send(marshalEnvelope(t, "chat", chatBody("s-6", "slow one", gatewayAgents("ada"))))
	c1.close()

	// The orchestration keeps running; its events buffer for the user.
	waitForBuffered(t, h.srv, "u-1", 2)

	c2 := h.dial(t, "u-1")
	ev := c2.expect(models.EventConnected)
	if got := ev["isReconnection"]; got != true {
		t.Errorf("isReconnection = %v, want true", got)
	}

	resp := c2.expect(models.EventAgentResponse)
	if got := resp["response"]; got != "alpha response to: slow one" {
		t.Errorf("flushed response = %v, want the echo", got)
	}
	c2.expect(models.EventChatComplete)

	if got := h.srv.hub.buffered("u-1"); got != 0 {
		t.Errorf("buffered after flush = %d, want 0", got)
	}
}

func TestGatewaySerializesChatsInSession(t *testing.T) {
	mock := providers.NewMockProvider("mock").WithDelay(100 * time.Millisecond)
	h := newHarness(t, mock)
	c := h.dial(t, "u-1")
	c.expect(models.EventConnected)

	c.send(marshalEnvelope(t, "chat", chatBody("s-serial", "one", gatewayAgents("ada"))))
	c.send(marshalEnvelope(t, "chat", chatBody("s-serial", "two", gatewayAgents("ada"))))

	first := c.expect(models.EventAgentResponse)
	if got := first["response"]; got != "alpha response to: one" {
		t.Errorf("first response = %v, want the reply to the first chat", got)
	}
	c.expect(models.EventChatComplete)

	second := c.expect(models.EventAgentResponse)
	if got := second["response"]; got != "alpha response to: two" {
		t.Errorf("second response = %v, want the reply to the second chat", got)
	}
	c.expect(models.EventChatComplete)
}

func TestGatewayHealthz(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))

	resp, err := http.Get(h.web.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Status              string `json:"status"`
		ActiveConversations int    `json:"activeConversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestGatewayMetricsEndpoint(t *testing.T) {
	h := newHarness(t, providers.NewMockProvider("mock"))
	c := h.dial(t, "u-metrics")
	c.expect(models.EventConnected)

	resp, err := http.Get(h.web.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if !strings.Contains(string(data), "ensemble_connected_clients") {
		t.Error("/metrics missing the connected clients gauge")
	}
}

func TestClientUserIDSources(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?userId=from-query", nil)
	if got := clientUserID(r); got != "from-query" {
		t.Errorf("clientUserID() = %q, want from-query", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("X-User-ID", "from-header")
	if got := clientUserID(r); got != "from-header" {
		t.Errorf("clientUserID() = %q, want from-header", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := clientUserID(r); got == "" {
		t.Error("clientUserID() = empty, want a generated id")
	}
}
