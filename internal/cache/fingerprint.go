// Package cache provides the response cache keyed by canonical request
// fingerprints.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ensemble-ai/ensemble/pkg/models"
)

// fingerprintMessage is the cache-relevant slice of a chat turn. Agent tags
// and tool-call ids are deliberately absent.
type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// fingerprintPayload is the canonical digest input. Struct fields marshal in
// declaration order, so the encoding is deterministic regardless of how the
// caller assembled the request.
type fingerprintPayload struct {
	Model       string               `json:"model"`
	Messages    []fingerprintMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	TopP        float64              `json:"top_p"`
	MaxTokens   int                  `json:"max_tokens"`
}

// Fingerprint derives the deterministic cache key for a request. Only
// cache-relevant fields participate: the model, each message's role and
// content in order, and the sampling parameters that change output.
// Nonces, user ids, and timestamps never reach the digest.
func Fingerprint(model string, messages []models.ChatTurn, params models.AgentParameters) string {
	payload := fingerprintPayload{
		Model:       model,
		Messages:    make([]fingerprintMessage, len(messages)),
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	}
	for i, m := range messages {
		payload.Messages[i] = fingerprintMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		// Cannot happen for a struct of strings and numbers.
		panic("cache: fingerprint marshal: " + err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
