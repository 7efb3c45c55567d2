package tenant

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// StateStore persists per-conversation summary/notes as one JSON file
// per conversation id, written atomically via rename-over. Concurrent
// writers to the same conversation are last-writer-wins.
type StateStore struct {
	dir string
}

// NewStateStore creates the state directory if needed.
func NewStateStore(dir string) (*StateStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("tenant: state directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tenant: creating state directory: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

type stateWire struct {
	Summary   string    `json:"summary"`
	Notes     string    `json:"notes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Load returns the stored state for a conversation, or an empty state
// if none exists yet.
func (s *StateStore) Load(conversationID string) (*model.ConversationState, error) {
	id := SanitizeConversationID(conversationID)
	if id == "" {
		return &model.ConversationState{}, nil
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return &model.ConversationState{ConversationID: id}, nil
		}
		return nil, fmt.Errorf("tenant: loading state %s: %w", id, err)
	}
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		// A torn or corrupted state file is not worth failing a request
		// over; start the conversation fresh.
		return &model.ConversationState{ConversationID: id}, nil
	}
	return &model.ConversationState{
		ConversationID: id,
		Summary:        w.Summary,
		Notes:          w.Notes,
		UpdatedAt:      w.UpdatedAt,
	}, nil
}

// Save writes a conversation's state atomically.
func (s *StateStore) Save(conversationID, summary, notes string) error {
	id := SanitizeConversationID(conversationID)
	if id == "" {
		return fmt.Errorf("tenant: empty conversation id")
	}

	data, err := json.Marshal(stateWire{
		Summary:   summary,
		Notes:     notes,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("tenant: encoding state %s: %w", id, err)
	}

	final := s.path(id)
	tmp, err := os.CreateTemp(s.dir, id+".tmp-*")
	if err != nil {
		return fmt.Errorf("tenant: creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tenant: writing state %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tenant: closing state %s: %w", id, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tenant: renaming state %s: %w", id, err)
	}
	return nil
}

func (s *StateStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// SanitizeConversationID strips everything outside [A-Za-z0-9_-] and
// truncates to 80 characters.
func SanitizeConversationID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}

// DeriveConversationID computes a deterministic id from a transcript
// prefix, for callers that do not supply their own id. Only the leading
// messages feed the hash so the id is stable as the conversation grows.
func DeriveConversationID(messages []string) string {
	const prefixMessages = 3
	h := sha1.New()
	for i, m := range messages {
		if i >= prefixMessages {
			break
		}
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return "conv-" + hex.EncodeToString(h.Sum(nil))[:16]
}
