package mailbox

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hiveplane/hiveplane/internal/store"
)

func testMailbox(t *testing.T) *Mailbox {
	t.Helper()
	return New(store.NewMemStore(), nil)
}

func TestSendAndListen(t *testing.T) {
	mb := testMailbox(t)

	sent, err := mb.Send("alice", "bob", "review my patch", UrgencyHigh)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID == "" || sent.Timestamp == 0 {
		t.Fatalf("message missing id or timestamp: %+v", sent)
	}

	msgs, err := mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != sent.ID || got.Sender != "alice" || got.Content != "review my patch" || got.Urgency != UrgencyHigh {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestListenUnknownRecipientIsEmpty(t *testing.T) {
	mb := testMailbox(t)
	msgs, err := mb.Listen("fresh-agent", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty inbox, got %d messages", len(msgs))
	}
}

func TestListenPreservesSendOrder(t *testing.T) {
	mb := testMailbox(t)
	for i := 0; i < 5; i++ {
		if _, err := mb.Send("alice", "bob", fmt.Sprintf("msg-%d", i), UrgencyNormal); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	msgs, err := mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Content != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("message %d out of order: %q", i, msg.Content)
		}
	}
}

func TestListenLimitKeepsBacklog(t *testing.T) {
	mb := testMailbox(t)
	for i := 0; i < 4; i++ {
		if _, err := mb.Send("alice", "bob", fmt.Sprintf("msg-%d", i), UrgencyLow); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	msgs, err := mb.Listen("bob", true, 2)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	// The backlog is not discarded: a second listen still sees all four.
	all, err := mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("limit discarded backlog: got %d messages", len(all))
	}
}

func TestMarkHeardFiltersAndIsIdempotent(t *testing.T) {
	mb := testMailbox(t)
	sent, err := mb.Send("alice", "bob", "ping", UrgencyNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := mb.MarkHeard(sent.ID, "bob"); err != nil {
		t.Fatalf("MarkHeard: %v", err)
	}
	// Second mark is a no-op, not an error.
	if err := mb.MarkHeard(sent.ID, "bob"); err != nil {
		t.Fatalf("MarkHeard (repeat): %v", err)
	}

	unheard, err := mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(unheard) != 0 {
		t.Fatalf("heard message still listed: %d", len(unheard))
	}

	all, err := mb.Listen("bob", false, 0)
	if err != nil {
		t.Fatalf("Listen all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected heard message in full listing, got %d", len(all))
	}
	if len(all[0].HeardBy) != 1 || all[0].HeardBy[0] != "bob" {
		t.Fatalf("heard_by = %v", all[0].HeardBy)
	}
}

func TestMarkHeardUnknownMessage(t *testing.T) {
	mb := testMailbox(t)
	err := mb.MarkHeard("no-such-id", "bob")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendRejectsUnknownUrgency(t *testing.T) {
	mb := testMailbox(t)
	if _, err := mb.Send("alice", "bob", "hi", Urgency("SHOUTING")); err == nil {
		t.Fatal("expected error for unknown urgency")
	}
}

// TestFileBackedRoundTrip runs the send/listen/heard cycle against the
// real file tree backend to confirm serialization idempotence.
func TestFileBackedRoundTrip(t *testing.T) {
	fs, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	mb := New(fs, nil)

	sent, err := mb.Send("alice", "bob", "durable hello", UrgencyCritical)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := mb.MarkHeard(sent.ID, "bob"); err != nil {
		t.Fatalf("MarkHeard: %v", err)
	}

	msgs, err := mb.Listen("bob", false, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != sent.ID || got.Sender != sent.Sender || got.Recipient != sent.Recipient ||
		got.Content != sent.Content || got.Urgency != sent.Urgency || got.Timestamp != sent.Timestamp {
		t.Fatalf("field mismatch after reload: %+v vs %+v", got, sent)
	}
	if len(got.HeardBy) != 1 || got.HeardBy[0] != "bob" {
		t.Fatalf("heard_by = %v", got.HeardBy)
	}
}

// flakyStore fails message-document creation to exercise the failure
// window between the inbox index append and the message write.
type flakyStore struct {
	store.Store
	failCreates int
}

func (f *flakyStore) Create(collection, key string, value []byte) error {
	if collection == "messages" && f.failCreates > 0 {
		f.failCreates--
		return fmt.Errorf("disk full")
	}
	return f.Store.Create(collection, key, value)
}

func TestFailedSendLeavesNoInvisibleMessage(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemStore(), failCreates: 1}
	mb := New(fs, nil)

	if _, err := mb.Send("alice", "bob", "lost", UrgencyNormal); err == nil {
		t.Fatal("expected Send to fail")
	}

	// The dangling index entry is skipped, not surfaced as a phantom.
	msgs, err := mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty inbox after failed send, got %d", len(msgs))
	}

	// No message document was stranded in the store either.
	keys, err := fs.List("messages")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("orphaned message documents: %v", keys)
	}

	// The inbox keeps working after the failure.
	sent, err := mb.Send("alice", "bob", "delivered", UrgencyNormal)
	if err != nil {
		t.Fatalf("Send after failure: %v", err)
	}
	msgs, err = mb.Listen("bob", true, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Fatalf("expected only the delivered message, got %+v", msgs)
	}
}

func TestSendDefaultsToNormalUrgency(t *testing.T) {
	mb := testMailbox(t)
	sent, err := mb.Send("alice", "bob", "hi", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.Urgency != UrgencyNormal {
		t.Fatalf("urgency = %q", sent.Urgency)
	}
}
