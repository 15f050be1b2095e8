// Package mailbox implements the durable per-recipient message queue.
// Each message is its own store document (atomic concurrent sends); a
// per-recipient inbox index document records message ids in send order.
package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hiveplane/hiveplane/internal/store"
)

const (
	messagesCollection = "messages"
	inboxCollection    = "inbox"
)

// Urgency classifies how quickly a message should be acted on.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyLow      Urgency = "LOW"
)

// valid reports whether u is a known urgency level.
func (u Urgency) valid() bool {
	switch u {
	case UrgencyCritical, UrgencyHigh, UrgencyNormal, UrgencyLow:
		return true
	}
	return false
}

// Message is a single queue entry. Immutable after creation except for
// HeardBy growth. The core never deletes messages.
type Message struct {
	ID        string   `json:"id"`
	Sender    string   `json:"sender"`
	Recipient string   `json:"recipient"`
	Content   string   `json:"content"`
	Urgency   Urgency  `json:"urgency"`
	Timestamp int64    `json:"timestamp"` // unix nanoseconds
	HeardBy   []string `json:"heard_by,omitempty"`
}

// Heard reports whether agentID has already heard this message.
func (m *Message) Heard(agentID string) bool {
	for _, id := range m.HeardBy {
		if id == agentID {
			return true
		}
	}
	return false
}

// inboxIndex lists a recipient's message ids in send order.
type inboxIndex struct {
	Messages []string `json:"messages"`
}

// Mailbox provides send/listen/mark-heard over a document store.
type Mailbox struct {
	store store.Store
	log   *slog.Logger
}

// New returns a Mailbox. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{store: s, log: logger}
}

// Send creates a message in the recipient's inbox and returns it as
// stored. An empty urgency defaults to NORMAL. The id is appended to the
// inbox index before the message document is written, so a failed send
// can leave at most a dangling index entry, which Listen skips; it can
// never leave a stored message invisible to listeners.
func (m *Mailbox) Send(sender, recipient, content string, urgency Urgency) (*Message, error) {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if !urgency.valid() {
		return nil, fmt.Errorf("unknown urgency %q", urgency)
	}
	if recipient == "" {
		return nil, fmt.Errorf("recipient must not be empty")
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Urgency:   urgency,
		Timestamp: time.Now().UnixNano(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	// Append to the recipient's inbox index under lock so concurrent
	// senders to the same recipient preserve send order. The index entry
	// goes first: a crash between the two writes leaves an id Listen
	// skips, never a stored message absent from every inbox.
	err = m.store.Update(inboxCollection, recipient, func(cur []byte) ([]byte, error) {
		var index inboxIndex
		if cur != nil {
			if err := json.Unmarshal(cur, &index); err != nil {
				return nil, fmt.Errorf("unmarshal inbox index: %w", err)
			}
		}
		index.Messages = append(index.Messages, msg.ID)
		return json.Marshal(index)
	})
	if err != nil {
		return nil, fmt.Errorf("update inbox index for %s: %w", recipient, err)
	}

	if err := m.store.Create(messagesCollection, msg.ID, data); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	m.log.Debug("message sent", "id", msg.ID, "sender", sender, "recipient", recipient, "urgency", urgency)
	return msg, nil
}

// Listen returns the recipient's messages in ascending timestamp order.
// When unheardOnly is set, messages the agent has already heard are
// excluded. limit > 0 caps the returned slice without discarding backlog.
// An agent that has never received mail gets an empty result.
func (m *Mailbox) Listen(agentID string, unheardOnly bool, limit int) ([]Message, error) {
	data, ok, err := m.store.Get(inboxCollection, agentID)
	if err != nil {
		return nil, fmt.Errorf("read inbox index for %s: %w", agentID, err)
	}
	if !ok {
		return nil, nil
	}

	var index inboxIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unmarshal inbox index for %s: %w", agentID, err)
	}

	var msgs []Message
	for _, id := range index.Messages {
		raw, ok, err := m.store.Get(messagesCollection, id)
		if err != nil {
			return nil, fmt.Errorf("read message %s: %w", id, err)
		}
		if !ok {
			continue // index entry without a document; skip
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		if unheardOnly && msg.Heard(agentID) {
			continue
		}
		msgs = append(msgs, msg)
	}

	// Index order already reflects send order; a stable sort on timestamp
	// keeps it as the tiebreak.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// MarkHeard records that agentID has heard the message. Idempotent.
// Marking an unknown message id fails with store.ErrNotFound.
func (m *Mailbox) MarkHeard(messageID, agentID string) error {
	err := m.store.Update(messagesCollection, messageID, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
		}
		var msg Message
		if err := json.Unmarshal(cur, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message %s: %w", messageID, err)
		}
		if msg.Heard(agentID) {
			return cur, nil // already heard
		}
		msg.HeardBy = append(msg.HeardBy, agentID)
		return json.Marshal(&msg)
	})
	if err != nil {
		return fmt.Errorf("mark heard: %w", err)
	}
	return nil
}
