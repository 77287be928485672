package memory

import (
	"context"
	"encoding/json"
)

// Snapshot is the full persisted state of the memory subsystem. The
// prompts document is opaque here; the prompt assembler owns its shape.
type Snapshot struct {
	Models        map[string]*ModelSnapshot        `json:"models,omitempty"`
	Conversations map[string]*ConversationSnapshot `json:"conversations,omitempty"`
	Meta          *MetaSnapshot                    `json:"meta,omitempty"`
	Prompts       json.RawMessage                  `json:"prompts,omitempty"`
}

// Store persists memory snapshots. Implementations are last-write-wins;
// the manager does not rely on transactional semantics across documents.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}
