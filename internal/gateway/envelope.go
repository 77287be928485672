package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ensemble-ai/ensemble/internal/orchestrator"
	"github.com/ensemble-ai/ensemble/internal/sessions"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

// Client-to-server envelope types.
const (
	envelopeChat              = "chat"
	envelopeStartConversation = "start-conversation"
	envelopeGetStatus         = "get-status"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPayload struct {
	SessionID string                       `json:"sessionId"`
	Agents    []models.Agent               `json:"agents"`
	Message   string                       `json:"message"`
	Settings  models.OrchestrationSettings `json:"settings"`
}

type startConversationPayload struct {
	SessionID string         `json:"sessionId"`
	Topic     string         `json:"topic"`
	Agents    []models.Agent `json:"agents"`
}

// dispatch routes one raw envelope from the read loop. Malformed input and
// unknown types answer with an unrecoverable error event; chat dispatch
// failures are recoverable and leave the session usable.
func (s *Server) dispatch(userID string, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(userID, fmt.Sprintf("malformed envelope: %v", err), false)
		return
	}
	if err := validateEnvelope(raw, &env); err != nil {
		s.metrics.RecordError("gateway", "validation")
		s.sendError(userID, fmt.Sprintf("invalid %s envelope: %v", env.Type, err), false)
		return
	}

	switch env.Type {
	case envelopeChat:
		var payload chatPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(userID, fmt.Sprintf("invalid chat payload: %v", err), false)
			return
		}
		// The reservation is taken here, on the read loop, so chats within
		// a session keep their arrival order; the wait and the turn itself
		// run off the loop so a busy session does not stall envelopes for
		// another.
		sess := s.store.Ensure(payload.SessionID, userID, payload.Agents)
		ticket := s.store.Reserve(sess.ID)
		go s.runChat(userID, sess.ID, ticket, &payload)
	case envelopeStartConversation:
		var payload startConversationPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(userID, fmt.Sprintf("invalid start-conversation payload: %v", err), false)
			return
		}
		s.startConversation(userID, &payload)
	case envelopeGetStatus:
		s.sendStatus(userID)
	default:
		s.sendError(userID, fmt.Sprintf("unknown message type %q", env.Type), false)
	}
}

// runChat executes one chat turn: it waits for the session's turn lock so
// chats within a session serialize on the previous chat_complete, then
// streams the orchestration's events to the user. It runs under the
// server's base context rather than the connection's, so a disconnect
// mid-turn reroutes events to the outbox instead of cancelling the work.
func (s *Server) runChat(userID, sessionID string, ticket *sessions.Ticket, payload *chatPayload) {
	ctx := s.baseCtx
	if err := ticket.Wait(ctx); err != nil {
		s.sendError(userID, "server is shutting down", true)
		return
	}
	defer ticket.Release()

	turn := &orchestrator.Turn{
		SessionID: sessionID,
		Message:   payload.Message,
		Agents:    payload.Agents,
		History:   s.store.History(sessionID, s.historyWindow),
		Settings:  payload.Settings,
		Events: func(ev models.Event) {
			s.hub.deliver(userID, ev)
		},
	}

	result, err := s.orch.Run(ctx, turn)
	if err != nil {
		s.logger.Warn("orchestration failed", "sessionId", sessionID, "userId", userID, "error", err)
		s.sendError(userID, err.Error(), true)
		return
	}

	// Record the turn while still holding the session lock, so the next
	// queued chat sees it in its history.
	if err := s.store.AppendTurn(sessionID, models.UserTurn(payload.Message)); err == nil {
		for _, res := range result.Results {
			if res.Success {
				_ = s.store.AppendTurn(sessionID, models.AssistantTurn(res.Agent.Name, res.Response))
			}
		}
	}
}

func (s *Server) startConversation(userID string, payload *startConversationPayload) {
	sess := s.store.Start(payload.SessionID, userID, payload.Topic, payload.Agents)

	refs := make([]models.AgentRef, 0, len(sess.Agents))
	for _, agent := range sess.Agents {
		refs = append(refs, agent.Ref())
	}
	s.hub.deliver(userID, models.Event{Type: models.EventConversationStart, Payload: models.ConversationStartPayload{
		SessionID: sess.ID,
		Topic:     sess.Topic,
		Agents:    refs,
	}})
	s.logger.Info("conversation started", "sessionId", sess.ID, "userId", userID, "agents", len(refs))
}

func (s *Server) sendStatus(userID string) {
	infos := s.store.List()
	seen := map[string]struct{}{}
	agents := []models.AgentRef{}
	for _, info := range infos {
		for _, ref := range info.Agents {
			if _, ok := seen[ref.ID]; ok {
				continue
			}
			seen[ref.ID] = struct{}{}
			agents = append(agents, ref)
		}
	}
	s.hub.deliver(userID, models.Event{Type: models.EventStatus, Payload: models.StatusPayload{
		Agents:              agents,
		ActiveConversations: len(infos),
		ConnectedClients:    s.hub.connected(),
		UptimeSeconds:       time.Since(s.started).Seconds(),
	}})
}

func (s *Server) sendError(userID, message string, recoverable bool) {
	s.hub.deliver(userID, models.Event{Type: models.EventError, Payload: models.ErrorPayload{
		Error:       message,
		Recoverable: recoverable,
	}})
}

// inheritedAgents lists the agent ids across the user's live sessions for
// the connected greeting.
func (s *Server) inheritedAgents(userID string) []string {
	seen := map[string]struct{}{}
	ids := []string{}
	for _, sessionID := range s.store.SessionsForUser(userID) {
		sess, err := s.store.Get(sessionID)
		if err != nil {
			continue
		}
		for _, agent := range sess.Agents {
			if _, ok := seen[agent.ID]; ok {
				continue
			}
			seen[agent.ID] = struct{}{}
			ids = append(ids, agent.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
