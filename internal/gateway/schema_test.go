package gateway

import (
	"encoding/json"
	"testing"
)

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "chat with agents and settings",
			raw:  `{"type":"chat","payload":{"sessionId":"s1","message":"hi","agents":[{"id":"a1","name":"Ada","provider":"mock","model":"alpha"}],"settings":{"orchestrationStrategy":"parallel","enableTools":true}}}`,
		},
		{
			name: "chat minimal",
			raw:  `{"type":"chat","payload":{"message":"hi"}}`,
		},
		{
			name:    "chat missing message",
			raw:     `{"type":"chat","payload":{"sessionId":"s1"}}`,
			wantErr: true,
		},
		{
			name:    "chat empty message",
			raw:     `{"type":"chat","payload":{"message":""}}`,
			wantErr: true,
		},
		{
			name:    "chat agent missing model",
			raw:     `{"type":"chat","payload":{"message":"hi","agents":[{"id":"a1","name":"Ada","provider":"mock"}]}}`,
			wantErr: true,
		},
		{
			name:    "chat threshold above one",
			raw:     `{"type":"chat","payload":{"message":"hi","settings":{"consensusThreshold":1.5}}}`,
			wantErr: true,
		},
		{
			name:    "chat timeout not a number",
			raw:     `{"type":"chat","payload":{"message":"hi","settings":{"timeoutMs":"fast"}}}`,
			wantErr: true,
		},
		{
			name:    "chat zero timeout",
			raw:     `{"type":"chat","payload":{"message":"hi","settings":{"timeoutMs":0}}}`,
			wantErr: true,
		},
		{
			name: "start-conversation without payload",
			raw:  `{"type":"start-conversation"}`,
		},
		{
			name: "start-conversation full",
			raw:  `{"type":"start-conversation","payload":{"sessionId":"s1","topic":"ops review","agents":[{"id":"a1","name":"Ada","provider":"mock","model":"alpha"}]}}`,
		},
		{
			name:    "start-conversation agent missing name",
			raw:     `{"type":"start-conversation","payload":{"agents":[{"id":"a1","provider":"mock","model":"alpha"}]}}`,
			wantErr: true,
		},
		{
			name: "get-status",
			raw:  `{"type":"get-status","payload":{}}`,
		},
		{
			name:    "missing type",
			raw:     `{"payload":{"message":"hi"}}`,
			wantErr: true,
		},
		{
			name:    "empty type",
			raw:     `{"type":""}`,
			wantErr: true,
		},
		{
			name:    "payload not an object",
			raw:     `{"type":"chat","payload":"hi"}`,
			wantErr: true,
		},
		{
			name: "unknown type passes envelope validation",
			raw:  `{"type":"mystery","payload":{"whatever":true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env envelope
			if err := json.Unmarshal([]byte(tt.raw), &env); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			err := validateEnvelope([]byte(tt.raw), &env)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
