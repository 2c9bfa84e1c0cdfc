package mdk

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/config"
	"github.com/nostr-mls/mdk/internal/storage/memory"
)

// testParticipant bundles an Engine with the identity it was built from, so
// tests can giftwrap/unwrap between two or more of them.
type testParticipant struct {
	sk     string
	pk     string
	engine *Engine
}

func newTestParticipant(t *testing.T) testParticipant {
	t.Helper()
	store, err := memory.New(1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	e, err := NewBuilder(store).WithConfig(cfg).WithIdentity(sk).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return testParticipant{sk: sk, pk: pk, engine: e}
}

// deliverWelcome giftwraps from's rumor to recipient, unwraps it on
// recipient's side, and feeds it through ProcessWelcome, returning the
// wrapper event id recipient must pass to AcceptWelcome.
func deliverWelcome(t *testing.T, from testParticipant, to testParticipant, rumor WelcomeRumor) string {
	t.Helper()
	wrapped, err := from.engine.SealWelcome(rumor)
	if err != nil {
		t.Fatalf("SealWelcome: %v", err)
	}
	inner, err := to.engine.UnsealWelcome(context.Background(), *wrapped)
	if err != nil {
		t.Fatalf("UnsealWelcome: %v", err)
	}
	if _, err := to.engine.ProcessWelcome(context.Background(), wrapped.ID, from.pk, inner); err != nil {
		t.Fatalf("ProcessWelcome: %v", err)
	}
	return wrapped.ID
}
