package mdk

import (
	"context"
	"testing"

	"github.com/nostr-mls/mdk/internal/mls"
)

// TestSealWelcomeOnlyRecipientCanUnseal covers the giftwrap boundary: a
// third party without the recipient's identity key cannot unwrap a welcome
// addressed to someone else.
func TestSealWelcomeOnlyRecipientCanUnseal(t *testing.T) {
	ctx := context.Background()
	alice := newTestParticipant(t)
	bob := newTestParticipant(t)
	eve := newTestParticipant(t)

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

	wrapped, err := alice.engine.SealWelcome(welcomes[0])
	if err != nil {
		t.Fatalf("SealWelcome: %v", err)
	}

	if _, err := eve.engine.UnsealWelcome(ctx, *wrapped); err == nil {
		t.Error("expected eve to fail unwrapping a welcome addressed to bob")
	}
	if _, err := bob.engine.UnsealWelcome(ctx, *wrapped); err != nil {
		t.Errorf("bob failed to unwrap his own welcome: %v", err)
	}
}
