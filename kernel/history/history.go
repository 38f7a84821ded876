// Package history holds the ordered, append-only conversation log
// shared by every round of one caller invocation.
package history

import (
	"sync"

	"github.com/OnslaughtSnail/turnkit/kernel/model"
)

// History is an ordered conversation message log. Messages are never
// reordered: the log only grows by appends, or is wholesale replaced.
// At most one system message exists and it always sits at index 0.
type History struct {
	mu       sync.Mutex
	messages []model.Message
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// Append adds one message to the end of the log. A system message
// appended to a history that already carries one replaces the leading
// system message instead of duplicating it.
func (h *History) Append(msg model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Role == model.RoleSystem {
		if len(h.messages) > 0 && h.messages[0].Role == model.RoleSystem {
			h.messages[0] = msg
			return
		}
		h.messages = append([]model.Message{msg}, h.messages...)
		return
	}
	h.messages = append(h.messages, msg)
}

// Snapshot returns a copy of the log in conversation order.
func (h *History) Snapshot() []model.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Replace swaps the entire log for the given messages. A system
// message anywhere in the input is moved to index 0; only the first
// one is kept.
func (h *History) Replace(messages []model.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = normalize(messages)
}

// Clear removes every message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}

// Len returns the current message count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// RotateSystemMessage installs text as the leading system message.
// With preserve set, only the system message is swapped or created and
// the rest of the log is untouched; without it all non-system messages
// are cleared first.
func (h *History) RotateSystemMessage(text string, preserve bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	system := model.Message{Role: model.RoleSystem, Text: text}
	if !preserve {
		h.messages = []model.Message{system}
		return
	}
	if len(h.messages) > 0 && h.messages[0].Role == model.RoleSystem {
		h.messages[0] = system
		return
	}
	h.messages = append([]model.Message{system}, h.messages...)
}

// SystemMessage returns the leading system message text, if present.
func (h *History) SystemMessage() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) > 0 && h.messages[0].Role == model.RoleSystem {
		return h.messages[0].Text, true
	}
	return "", false
}

func normalize(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	var system *model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system == nil {
				cp := msg
				system = &cp
			}
			continue
		}
		out = append(out, msg)
	}
	if system != nil {
		out = append([]model.Message{*system}, out...)
	}
	return out
}
