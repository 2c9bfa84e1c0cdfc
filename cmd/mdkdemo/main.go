// Package main is a minimal wiring example for the MDK engine: it
// constructs a config, an in-memory storage backend, and two engine
// instances standing in for separate participants, then walks through key
// package publication, group creation, a giftwrapped welcome, and a
// plaintext message round trip.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/config"
	"github.com/nostr-mls/mdk/internal/mdk"
	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/storage/memory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := setupLogger("info", "text")
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	alice, aliceSK, err := newParticipant(cfg, logger)
	if err != nil {
		return fmt.Errorf("building alice's engine: %w", err)
	}
	bob, bobSK, err := newParticipant(cfg, logger)
	if err != nil {
		return fmt.Errorf("building bob's engine: %w", err)
	}
	bobPK, err := nostr.GetPublicKey(bobSK)
	if err != nil {
		return fmt.Errorf("deriving bob's pubkey: %w", err)
	}
	alicePK, err := nostr.GetPublicKey(aliceSK)
	if err != nil {
		return fmt.Errorf("deriving alice's pubkey: %w", err)
	}

	// Bob publishes a key package so alice can invite him.
	bobKPEvent, _, err := bob.PublishKeyPackage(nil)
	if err != nil {
		return fmt.Errorf("bob publishing key package: %w", err)
	}
	bobKP, err := mdk.ParseKeyPackage(bobKPEvent)
	if err != nil {
		return fmt.Errorf("parsing bob's key package: %w", err)
	}
	logger.Info("bob published a key package", "pubkey", bobPK)

	// Alice creates the group and gets back one welcome rumor per invitee.
	aliceGroup, welcomes, err := alice.CreateGroup(ctx, mdk.CreateGroupOptions{
		Name:            "demo",
		Description:     "a two-person wiring example",
		AdminPubkeys:    []string{alicePK},
		PeerKeyPackages: []mls.KeyPackage{bobKP},
	})
	if err != nil {
		return fmt.Errorf("alice creating group: %w", err)
	}
	aliceGroup, err = alice.MergePendingCommit(ctx, aliceGroup.MlsGroupId)
	if err != nil {
		return fmt.Errorf("alice merging pending commit: %w", err)
	}
	logger.Info("alice created the group", "group_id", aliceGroup.MlsGroupId.String(), "epoch", aliceGroup.Epoch)

	// Alice giftwraps bob's welcome; in a real deployment this event is
	// published to bob's relays as a kind-1059 event instead of handed
	// off in-process.
	wrapped, err := alice.SealWelcome(welcomes[0])
	if err != nil {
		return fmt.Errorf("sealing bob's welcome: %w", err)
	}

	// Bob unwraps it and processes the inner rumor.
	rumor, err := bob.UnsealWelcome(ctx, *wrapped)
	if err != nil {
		return fmt.Errorf("bob unsealing welcome: %w", err)
	}
	if _, err := bob.ProcessWelcome(ctx, wrapped.ID, alicePK, rumor); err != nil {
		return fmt.Errorf("bob processing welcome: %w", err)
	}
	bobGroup, err := bob.AcceptWelcome(ctx, wrapped.ID)
	if err != nil {
		return fmt.Errorf("bob accepting welcome: %w", err)
	}
	logger.Info("bob joined the group", "group_id", bobGroup.MlsGroupId.String(), "epoch", bobGroup.Epoch)

	// Alice sends a plaintext message; bob receives and decrypts it.
	greeting := nostr.Event{Kind: 9, Content: "hello from the demo", PubKey: alicePK}
	wrapper, _, err := alice.Send(ctx, aliceGroup.MlsGroupId, greeting, mdk.SendOptions{})
	if err != nil {
		return fmt.Errorf("alice sending: %w", err)
	}
	result, err := bob.Receive(ctx, wrapper)
	if err != nil {
		return fmt.Errorf("bob receiving: %w", err)
	}
	if result.Kind != mdk.ResultApplicationMessage {
		return fmt.Errorf("unexpected result kind: %v", result.Kind)
	}
	logger.Info("bob received alice's message", "content", result.Message.Content)

	return nil
}

// newParticipant generates a fresh Nostr identity, builds an Engine over a
// private in-memory store, and returns it alongside the identity's secret
// key so the caller can derive the matching pubkey.
func newParticipant(cfg *config.Config, logger *slog.Logger) (*mdk.Engine, string, error) {
	store, err := memory.New(cfg.Storage.MemoryCacheSize)
	if err != nil {
		return nil, "", fmt.Errorf("creating memory store: %w", err)
	}
	identitySK := nostr.GeneratePrivateKey()
	engine, err := mdk.NewBuilder(store).
		WithConfig(cfg).
		WithLogger(logger).
		WithIdentity(identitySK).
		Build()
	if err != nil {
		return nil, "", fmt.Errorf("building engine: %w", err)
	}
	return engine, identitySK, nil
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
