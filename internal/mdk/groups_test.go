package mdk

import (
	"context"
	"sort"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
)

// TestCreateGroupAndAcceptWelcome covers the create-then-join path: Alice
// creates a group inviting Bob, Bob processes and accepts the welcome, and
// both sides agree on membership and epoch.
func TestCreateGroupAndAcceptWelcome(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)

	bobEvt, _, err := bob.engine.PublishKeyPackage(nil)
	if err != nil {
		t.Fatalf("PublishKeyPackage: %v", err)
	}
	bobKP, err := ParseKeyPackage(bobEvt)
	if err != nil {
		t.Fatalf("ParseKeyPackage: %v", err)
	}

	record, welcomes, err := alice.engine.CreateGroup(ctx, CreateGroupOptions{
		Name:            "book club",
		AdminPubkeys:    []string{alice.pk},
		Relays:          []string{"wss://relay.example"},
		PeerKeyPackages: []mls.KeyPackage{bobKP},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if len(welcomes) != 1 {
		t.Fatalf("welcomes = %d, want 1", len(welcomes))
	}

	record, err = alice.engine.MergePendingCommit(ctx, record.MlsGroupId)
	if err != nil {
		t.Fatalf("MergePendingCommit: %v", err)
	}
	if record.Epoch != 0 {
		t.Errorf("creator epoch = %d, want 0", record.Epoch)
	}

	wrapperEventID := deliverWelcome(t, alice, bob, welcomes[0])
	bobRecord, err := bob.engine.AcceptWelcome(ctx, wrapperEventID)
	if err != nil {
		t.Fatalf("AcceptWelcome: %v", err)
	}
	if bobRecord.Epoch != 0 {
		t.Errorf("bob epoch = %d, want 0", bobRecord.Epoch)
	}

	aliceMembers, err := alice.engine.GetMembers(record.MlsGroupId)
	if err != nil {
		t.Fatalf("alice GetMembers: %v", err)
	}
	bobMembers, err := bob.engine.GetMembers(bobRecord.MlsGroupId)
	if err != nil {
		t.Fatalf("bob GetMembers: %v", err)
	}
	sort.Strings(aliceMembers)
	sort.Strings(bobMembers)
	want := []string{alice.pk, bob.pk}
	sort.Strings(want)
	if len(aliceMembers) != 2 || aliceMembers[0] != want[0] || aliceMembers[1] != want[1] {
		t.Errorf("alice members = %v, want %v", aliceMembers, want)
	}
	if len(bobMembers) != 2 || bobMembers[0] != want[0] || bobMembers[1] != want[1] {
		t.Errorf("bob members = %v, want %v", bobMembers, want)
	}
}

// TestAcceptWelcomeIsIdempotent covers re-accepting an already-active group.
func TestAcceptWelcomeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)

	bobEvt, _, err := bob.engine.PublishKeyPackage(nil)
	if err != nil {
		t.Fatalf("PublishKeyPackage: %v", err)
	}
	bobKP, err := ParseKeyPackage(bobEvt)
	if err != nil {
		t.Fatalf("ParseKeyPackage: %v", err)
	}

	_, welcomes, err := alice.engine.CreateGroup(ctx, CreateGroupOptions{
		Name:            "g",
		PeerKeyPackages: []mls.KeyPackage{bobKP},
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	wrapperEventID := deliverWelcome(t, alice, bob, welcomes[0])

	first, err := bob.engine.AcceptWelcome(ctx, wrapperEventID)
	if err != nil {
		t.Fatalf("first AcceptWelcome: %v", err)
	}
	second, err := bob.engine.AcceptWelcome(ctx, wrapperEventID)
	if err != nil {
		t.Fatalf("second AcceptWelcome: %v", err)
	}
	if first.Epoch != second.Epoch {
		t.Errorf("re-accepting changed epoch: %d vs %d", first.Epoch, second.Epoch)
	}
}

// TestSendFromUnknownGroupFails covers a non-member attempting to send into
// a group it has no live state for.
func TestSendFromUnknownGroupFails(t *testing.T) {
	ctx := context.Background()
	charlie := newTestParticipant(t)
	bogusGroup := models.GroupId([]byte("no-such-group"))

	_, _, err := charlie.engine.Send(ctx, bogusGroup, nostr.Event{Content: "hi"}, SendOptions{})
	if !mlserr.Of(err, mlserr.KindGroupNotFound) {
		t.Errorf("Send from unknown group: err = %v, want GroupNotFound", err)
	}
}
