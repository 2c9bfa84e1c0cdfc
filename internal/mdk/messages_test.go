package mdk

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/models"
)

// pairedGroup creates a two-member group (alice the creator, bob invited)
// and fully joins bob, returning both sides' resolved Group rows.
func pairedGroup(t *testing.T, alice, bob testParticipant) (*models.Group, *models.Group) {
	t.Helper()
	ctx := context.Background()

	bobEvt, _, err := bob.engine.PublishKeyPackage(nil)
	if err != nil {
		t.Fatalf("PublishKeyPackage: %v", err)
	}
	bobKP, err := ParseKeyPackage(bobEvt)
	if err != nil {
		t.Fatalf("ParseKeyPackage: %v", err)
	}

	aliceRecord, welcomes, err := alice.engine.CreateGroup(ctx, CreateGroupOptions{
		Name:            "pair",
		PeerKeyPackages: []mls.KeyPackage{bobKP},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	aliceRecord, err = alice.engine.MergePendingCommit(ctx, aliceRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}
	wrapperEventID := deliverWelcome(t, alice, bob, welcomes[0])
	bobRecord, err := bob.engine.AcceptWelcome(ctx, wrapperEventID)
	if err != nil {
		t.Fatalf("AcceptWelcome: %v", err)
	}
	return aliceRecord, bobRecord
}

// TestSendReceiveApplicationMessage covers the plaintext round trip: alice
// sends, bob receives and decrypts, and the wrapper event carries only the
// group's "h" tag signed under a key distinct from alice's identity.
func TestSendReceiveApplicationMessage(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	aliceRecord, bobRecord := pairedGroup(t, alice, bob)

	rumor := nostr.Event{Kind: 9, Content: "Hello, world!", PubKey: alice.pk}
	wrapper, msg, err := alice.engine.Send(ctx, aliceRecord.MlsGroupId, rumor, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if wrapper.PubKey == alice.pk {
		t.Error("wrapper event must be signed by an ephemeral key, not alice's identity key")
	}
	if len(wrapper.Tags) != 1 || wrapper.Tags[0][0] != "h" {
		t.Errorf("wrapper tags = %v, want exactly one h tag", wrapper.Tags)
	}
	if msg.Content != "Hello, world!" {
		t.Errorf("sender-side message content = %q", msg.Content)
	}

	result, err := bob.engine.Receive(ctx, wrapper)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if result.Kind != ResultApplicationMessage {
		t.Fatalf("result kind = %v, want ResultApplicationMessage", result.Kind)
	}
	if result.Message.Content != "Hello, world!" {
		t.Errorf("received content = %q, want %q", result.Message.Content, "Hello, world!")
	}
	if result.Message.Pubkey != alice.pk {
		t.Errorf("received author = %q, want %q", result.Message.Pubkey, alice.pk)
	}
	if result.Message.WrapperEventId != wrapper.ID {
		t.Errorf("wrapper_event_id = %q, want %q", result.Message.WrapperEventId, wrapper.ID)
	}
	if result.Message.State != models.MessageStateProcessed {
		t.Errorf("state = %v, want Processed", result.Message.State)
	}

	stored, err := bob.engine.storage.GetMessage(ctx, bobRecord.MlsGroupId, msg.Id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.Content != "Hello, world!" {
		t.Errorf("stored content = %q", stored.Content)
	}
}

// TestReceiveIsIdempotent covers replay rejection: processing the same
// wrapper event twice must not re-decrypt or re-store it.
func TestReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	aliceRecord, _ := pairedGroup(t, alice, bob)

	rumor := nostr.Event{Kind: 9, Content: "once", PubKey: alice.pk}
	wrapper, _, err := alice.engine.Send(ctx, aliceRecord.MlsGroupId, rumor, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	first, err := bob.engine.Receive(ctx, wrapper)
	if err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	if first.Kind != ResultApplicationMessage {
		t.Fatalf("first result kind = %v", first.Kind)
	}

	second, err := bob.engine.Receive(ctx, wrapper)
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if second.Kind != ResultUnprocessable {
		t.Errorf("second result kind = %v, want ResultUnprocessable", second.Kind)
	}
}

// TestOutOfOrderToleranceBounds covers the ratchet skip window: messages
// delivered out of order decrypt as long as they fall within tolerance, and
// become Unprocessable once the sender has advanced past it.
func TestOutOfOrderToleranceBounds(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	alice.engine.cfg.Engine.OutOfOrderTolerance = 5
	bob.engine.cfg.Engine.OutOfOrderTolerance = 5
	aliceRecord, _ := pairedGroup(t, alice, bob)

	var wrappers []*nostr.Event
	for i := 0; i < 10; i++ {
		rumor := nostr.Event{Kind: 9, Content: "msg", PubKey: alice.pk}
		wrapper, _, err := alice.engine.Send(ctx, aliceRecord.MlsGroupId, rumor, SendOptions{})
		if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		wrappers = append(wrappers, wrapper)
	}

	// Deliver the most recent one first, advancing bob's ratchet past
	// generation 5 before the earliest message ever arrives.
	if _, err := bob.engine.Receive(ctx, wrappers[len(wrappers)-1]); err != nil {
		t.Fatalf("Receive latest: %v", err)
	}
	result, err := bob.engine.Receive(ctx, wrappers[0])
	if err != nil {
		t.Fatalf("Receive earliest: %v", err)
	}
	if result.Kind != ResultUnprocessable {
		t.Errorf("earliest message result = %v, want ResultUnprocessable once past tolerance", result.Kind)
	}
}
