// Package mdk is the top-level MLS Delivery Kit engine: it ties the
// storage provider (internal/storage), the group-keying core
// (internal/mls), the epoch snapshot manager (internal/snapshot), and the
// relay event shapes (internal/relay) into the synchronous, storage-backed
// protocol runtime described by the group lifecycle, message engine, key
// package service, welcome handler, and rollback components. Callers
// construct one with Builder and drive it through Engine's methods; the
// engine never talks to a network or filesystem itself beyond its storage
// provider.
package mdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/config"
	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
	"github.com/nostr-mls/mdk/internal/relay"
	"github.com/nostr-mls/mdk/internal/snapshot"
	"github.com/nostr-mls/mdk/internal/storage"
)

// Ciphersuite is the single ciphersuite this engine advertises in key
// packages and group creation. It never changes at runtime; a different
// ciphersuite is a different build, not a configuration option.
const Ciphersuite = "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"

// DefaultExtensions are the MLS extensions this engine requires peers to
// support, beyond whatever GREASE values are additionally injected.
var DefaultExtensions = []string{"nostr_group_data", "last_resort"}

// Engine is the synchronous MDK runtime. mu guards only the in-memory maps
// of live MLS groups and pending welcomes; the engine takes no lock of its
// own around storage, and each storage.Provider call is serialized by the
// backend itself. A multi-step operation (including rollback) is therefore
// not exclusive against concurrent calls on the same group. Cryptographic
// work (encryption, HKDF, MLS state transitions) happens on local buffers
// outside any lock.
type Engine struct {
	storage   storage.Provider
	snapshots *snapshot.Manager
	cfg       *config.Config
	logger    *slog.Logger
	builder   *relay.Builder

	identitySK string
	identityPK string

	// mlsSigPriv/mlsSigPub are this participant's MLS credential keys,
	// derived deterministically from identitySK so that FromBytes can
	// reconstruct a Group's local ratchets identically in a later
	// process without a separate credential store.
	mlsSigPriv ed25519.PrivateKey
	mlsSigPub  ed25519.PublicKey

	mu     sync.RWMutex
	groups map[string]*mls.Group // live MLS state, keyed by GroupId.String()
	// pendingWelcomes holds the decoded MLS welcome (ratchet/member state)
	// for a Welcome row awaiting accept_welcome, keyed by wrapper_event_id.
	// Like groups, this is process-local: storage keeps the Welcome row's
	// display metadata, not its cryptographic bootstrap material.
	pendingWelcomes map[string]mls.Welcome
}

// Builder constructs an Engine, following the same nested-options pattern
// the teacher's component constructors use: a required resource (here,
// storage) plus optional overrides applied before Build.
type Builder struct {
	storage    storage.Provider
	cfg        *config.Config
	logger     *slog.Logger
	identitySK string
}

// NewBuilder starts building an Engine over the given storage provider.
func NewBuilder(store storage.Provider) *Builder {
	return &Builder{storage: store}
}

// WithConfig overrides the default configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger overrides the default discard logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithIdentity sets the local participant's Nostr identity private key
// (hex-encoded secp256k1), used to sign key-package events and to unwrap
// giftwrapped welcomes addressed to this participant.
func (b *Builder) WithIdentity(identitySK string) *Builder {
	b.identitySK = identitySK
	return b
}

// Build validates the accumulated options and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.storage == nil {
		return nil, fmt.Errorf("mdk: a storage provider is required")
	}
	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			return nil, fmt.Errorf("mdk: loading default config: %w", err)
		}
		cfg = loaded
	}
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	identityPK := ""
	var sigPriv ed25519.PrivateKey
	var sigPub ed25519.PublicKey
	if b.identitySK != "" {
		pk, err := nostr.GetPublicKey(b.identitySK)
		if err != nil {
			return nil, fmt.Errorf("mdk: deriving identity pubkey: %w", err)
		}
		identityPK = pk
		sigPriv, sigPub, err = deriveMLSCredential(b.identitySK)
		if err != nil {
			return nil, fmt.Errorf("mdk: deriving mls credential: %w", err)
		}
	}

	retention := cfg.Engine.EpochSnapshotRetention
	if retention < 1 {
		retention = 1
	}

	return &Engine{
		storage:    b.storage,
		snapshots:  snapshot.NewManager(retention),
		cfg:        cfg,
		logger:     logger,
		builder:    relay.NewBuilder(logger),
		identitySK: b.identitySK,
		identityPK: identityPK,
		mlsSigPriv:      sigPriv,
		mlsSigPub:       sigPub,
		groups:          make(map[string]*mls.Group),
		pendingWelcomes: make(map[string]mls.Welcome),
	}, nil
}

// deriveMLSCredential derives a stable Ed25519 MLS credential keypair from
// the participant's Nostr identity secret key, so the same credential is
// recovered across process restarts without a separate key store.
func deriveMLSCredential(identitySK string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	r := hkdf.New(sha256.New, []byte(identitySK), nil, []byte("mdk-mls-credential-v1"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, nil, fmt.Errorf("deriving credential seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv, priv.Public().(ed25519.PublicKey), nil
}

// identityMemberKeys returns a fresh set of MLS member keys for this
// participant: the HPKE-like init keypair is generated new (init keys are
// meant to be rotated per key package), while the Ed25519 credential is
// the engine's stable identity.
func (e *Engine) identityMemberKeys() (mls.MemberKeys, error) {
	if e.mlsSigPriv == nil {
		return mls.MemberKeys{}, fmt.Errorf("mdk: no identity configured, set Builder.WithIdentity")
	}
	keys, err := mls.GenerateMemberKeys()
	if err != nil {
		return mls.MemberKeys{}, fmt.Errorf("mdk: generating member keys: %w", err)
	}
	keys.SigPriv = e.mlsSigPriv
	keys.SigPub = e.mlsSigPub
	return keys, nil
}

// randomGroupID returns a fresh 16-byte opaque MLS group identifier.
func randomGroupID() (models.GroupId, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("mdk: generating group id: %w", err)
	}
	return models.GroupId(id), nil
}

// randomNostrGroupID returns a fresh 32-byte relay-visible group identifier.
func randomNostrGroupID() (models.NostrGroupId, error) {
	var id models.NostrGroupId
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("mdk: generating nostr group id: %w", err)
	}
	return id, nil
}

// liveGroup returns the cached in-memory mls.Group for groupID. Storage
// holds the Group row's display metadata (name, admins, epoch) but not its
// ratchet/member state, so a group only becomes live again in a process
// that created it, joined it, or restored it from a snapshot — there is no
// implicit load-from-storage path here.
func (e *Engine) liveGroup(groupID models.GroupId) (*mls.Group, error) {
	e.mu.RLock()
	g, ok := e.groups[groupID.String()]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}
	return nil, mlserr.GroupNotFound(groupID.String())
}

// cacheGroup installs g as the live MLS state for its group id.
func (e *Engine) cacheGroup(g *mls.Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups[models.GroupId(g.GroupID()).String()] = g
}

// dropGroup removes any cached live MLS state for groupID.
func (e *Engine) dropGroup(groupID models.GroupId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.groups, groupID.String())
}

// cachePendingWelcome retains a decoded MLS welcome until accept_welcome
// consumes it.
func (e *Engine) cachePendingWelcome(wrapperEventID string, w mls.Welcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingWelcomes[wrapperEventID] = w
}

// takePendingWelcome removes and returns a cached decoded welcome, if any.
func (e *Engine) takePendingWelcome(wrapperEventID string) (mls.Welcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.pendingWelcomes[wrapperEventID]
	delete(e.pendingWelcomes, wrapperEventID)
	return w, ok
}
