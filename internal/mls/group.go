// Package mls implements the group-keying core the MDK engine delegates
// to: member management, epoch advancement, exporter-secret derivation,
// and per-sender message ratchets. It is a self-contained implementation
// providing MLS-like semantics (RFC 9420 epochs, commits, welcomes) using
// Ed25519 for credentials and HKDF-SHA256 for key schedule derivation. It
// can be replaced by a standards-conformant MLS implementation once one
// with the required surface (epoch export, application-message ratchets,
// GREASE-able capability negotiation) is available in Go.
package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MemberKeys bundles the keys one member contributes to a group.
type MemberKeys struct {
	SigPriv  ed25519.PrivateKey // Ed25519 signing private key (credential)
	SigPub   ed25519.PublicKey  // Ed25519 signing public key (credential)
	InitPriv []byte             // HPKE-like init private key (32 bytes)
	InitPub  []byte             // HPKE-like init public key (32 bytes)
}

// GenerateMemberKeys generates all keys needed for group membership.
func GenerateMemberKeys() (MemberKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return MemberKeys{}, fmt.Errorf("generate ed25519 credential: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return MemberKeys{}, fmt.Errorf("generate init key: %w", err)
	}
	h := sha256.Sum256(initPriv)
	initPub := h[:]

	return MemberKeys{
		SigPriv:  priv,
		SigPub:   pub,
		InitPriv: initPriv,
		InitPub:  initPub,
	}, nil
}

// KeyPackage is the serializable bundle a peer publishes (kind 443) so
// others can invite it into a group.
type KeyPackage struct {
	Identity    []byte   `json:"identity"`
	SigPub      []byte   `json:"sig_pub"`
	InitPub     []byte   `json:"init_pub"`
	Ciphersuite string   `json:"ciphersuite"`
	Extensions  []string `json:"extensions,omitempty"`
	// Grease carries intentionally-unknown values injected per RFC 9420
	// §13.5 so peers that choke on unrecognized capabilities are caught
	// in testing rather than in the field.
	Grease GreaseValues `json:"grease,omitempty"`
}

// BuildKeyPackage builds a serializable key package for identity, injecting
// GREASE values into its capability lists.
func BuildKeyPackage(identity []byte, keys MemberKeys, ciphersuite string, extensions []string) KeyPackage {
	return KeyPackage{
		Identity:    identity,
		SigPub:      keys.SigPub,
		InitPub:     keys.InitPub,
		Ciphersuite: ciphersuite,
		Extensions:  extensions,
		Grease:      NewGrease(),
	}
}

// groupState is the serializable internal group state. It is the "opaque
// bytes" the storage layer and snapshot manager hold on the engine's
// behalf; nothing outside this package interprets its fields.
type groupState struct {
	GroupID      []byte        `json:"group_id"`
	Epoch        uint64        `json:"epoch"`
	EpochSecret  []byte        `json:"epoch_secret"`
	Members      []memberEntry `json:"members"`
	OwnLeafIndex int           `json:"own_leaf_index"`
}

type memberEntry struct {
	Identity []byte `json:"identity"`
	SigPub   []byte `json:"sig_pub"`
	InitPub  []byte `json:"init_pub"`
	Active   bool   `json:"active"`
}

// Welcome is the data sent to a new member joining the group.
type Welcome struct {
	GroupID     []byte        `json:"group_id"`
	Epoch       uint64        `json:"epoch"`
	EpochSecret []byte        `json:"epoch_secret"`
	Members     []memberEntry `json:"members"`
	LeafIndex   int           `json:"leaf_index"`
}

// Group wraps MLS-like group state and the local member's ratchets.
type Group struct {
	state  groupState
	sigKey ed25519.PrivateKey

	// ratchets holds one sender ratchet per member, keyed by leaf index;
	// it is reset whenever the epoch changes.
	ratchets map[int]*SenderRatchet

	// pending is the post-commit state staged by AddMember, RemoveMember,
	// or SelfUpdate, not yet folded into state by MergePendingCommit. A
	// group that produced a commit never applies its own commit locally
	// until the caller explicitly merges it.
	pending *groupState
}

// Create creates a new group with the creator as its sole member.
func Create(groupID, identity []byte, keys MemberKeys) (*Group, error) {
	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}

	g := &Group{
		state: groupState{
			GroupID:     groupID,
			Epoch:       0,
			EpochSecret: epochSecret,
			Members: []memberEntry{{
				Identity: identity,
				SigPub:   keys.SigPub,
				InitPub:  keys.InitPub,
				Active:   true,
			}},
			OwnLeafIndex: 0,
		},
		sigKey:   keys.SigPriv,
		ratchets: make(map[int]*SenderRatchet),
	}
	return g, nil
}

// JoinFromWelcome joins an existing group from a Welcome message.
func JoinFromWelcome(welcome Welcome, keys MemberKeys) *Group {
	return &Group{
		state: groupState{
			GroupID:      welcome.GroupID,
			Epoch:        welcome.Epoch,
			EpochSecret:  welcome.EpochSecret,
			Members:      welcome.Members,
			OwnLeafIndex: welcome.LeafIndex,
		},
		sigKey:   keys.SigPriv,
		ratchets: make(map[int]*SenderRatchet),
	}
}

// FromBytes restores a group from serialized state captured by an
// EpochSnapshot.
func FromBytes(data []byte, sigPriv ed25519.PrivateKey) (*Group, error) {
	var s groupState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal group state: %w", err)
	}
	return &Group{state: s, sigKey: sigPriv, ratchets: make(map[int]*SenderRatchet)}, nil
}

// ToBytes serializes group state for an EpochSnapshot capture.
func (g *Group) ToBytes() ([]byte, error) {
	return json.Marshal(g.state)
}

// Epoch returns the current epoch number.
func (g *Group) Epoch() uint64 {
	return g.state.Epoch
}

// GroupID returns the opaque MLS group identifier.
func (g *Group) GroupID() []byte {
	return g.state.GroupID
}

// OwnLeafIndex returns this member's leaf index.
func (g *Group) OwnLeafIndex() int {
	return g.state.OwnLeafIndex
}

// Members returns the active members' identity bytes.
func (g *Group) Members() [][]byte {
	out := make([][]byte, 0, len(g.state.Members))
	for _, m := range g.state.Members {
		if m.Active {
			out = append(out, m.Identity)
		}
	}
	return out
}

// CredentialFor returns the identity bytes (the member's Nostr pubkey)
// bound to the credential of the member at leafIndex, used by the engine
// to bind a decrypted message to the pubkey asserted inside the rumor.
func (g *Group) CredentialFor(leafIndex int) ([]byte, error) {
	if leafIndex < 0 || leafIndex >= len(g.state.Members) {
		return nil, fmt.Errorf("mls: leaf index %d out of range", leafIndex)
	}
	return g.state.Members[leafIndex].Identity, nil
}

// ExportSecret derives a named secret from the current epoch's secret,
// following the same HKDF-export pattern MLS itself specifies: the
// exporter secret is just one particular label of this general mechanism.
func (g *Group) ExportSecret(label string, context []byte, length int) []byte {
	return exportSecret(g.state.EpochSecret, []byte(label), context, length)
}

// ExportEpochSecret derives the per-epoch exporter secret used to key
// attachment media encryption.
func (g *Group) ExportEpochSecret() []byte {
	return g.ExportSecret("mdk-exporter-secret", nil, 32)
}

func exportSecret(epochSecret, label, context []byte, length int) []byte {
	info := append(append([]byte{}, label...), context...)
	r := hkdf.New(sha256.New, epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("mls: hkdf export: %v", err))
	}
	return out
}

// advanceEpochState derives a new epoch secret from the old one mixed with
// fresh randomness, so two commits staged from the same epoch yield
// different secrets, and increments the epoch counter of s in place. It
// operates on a detached groupState so a commit can be staged without
// mutating the group's live state.
func advanceEpochState(s *groupState) {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, s.Epoch)
	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		panic(fmt.Sprintf("mls: epoch advance randomness: %v", err))
	}
	ikm := append(append([]byte{}, s.EpochSecret...), fresh...)
	r := hkdf.New(sha256.New, ikm, epochBytes, []byte("mdk-epoch-advance"))
	newSecret := make([]byte, 32)
	if _, err := io.ReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("mls: hkdf advance: %v", err))
	}
	s.EpochSecret = newSecret
	s.Epoch++
}

// stageBase returns a detached copy of the live state for a commit to be
// built against, so staging never mutates g.state until merged.
func (g *Group) stageBase() groupState {
	next := g.state
	next.Members = append([]memberEntry{}, g.state.Members...)
	return next
}

// AddFoundingMember adds a peer directly to a not-yet-merged group's
// initial roster, used only while assembling a new group's founding
// membership. Unlike AddMember it never stages a pending commit or
// advances the epoch: the peer joins the live epoch-0 state at once, and
// the returned welcome lists the roster as it stands after this addition.
func (g *Group) AddFoundingMember(kp KeyPackage) (welcomeBytes []byte, err error) {
	if g.state.Epoch != 0 || g.pending != nil {
		return nil, fmt.Errorf("mls: AddFoundingMember is only valid while assembling a new group's initial roster")
	}
	newLeafIndex := len(g.state.Members)
	g.state.Members = append(g.state.Members, memberEntry{
		Identity: kp.Identity,
		SigPub:   kp.SigPub,
		InitPub:  kp.InitPub,
		Active:   true,
	})

	welcome := Welcome{
		GroupID:     g.state.GroupID,
		Epoch:       g.state.Epoch,
		EpochSecret: g.state.EpochSecret,
		Members:     g.state.Members,
		LeafIndex:   newLeafIndex,
	}
	welcomeBytes, err = json.Marshal(welcome)
	if err != nil {
		return nil, fmt.Errorf("marshal welcome: %w", err)
	}
	return welcomeBytes, nil
}

// AddMember stages a commit adding a member to the group, advancing the
// epoch on the staged state only; the group's live epoch does not move
// until MergePendingCommit is called. Returns the commit bytes (for
// existing members to apply) and the welcome bytes (for the new member
// to join from).
func (g *Group) AddMember(kp KeyPackage) (commitBytes, welcomeBytes []byte, err error) {
	if g.pending != nil {
		return nil, nil, fmt.Errorf("mls: group has an unmerged pending commit")
	}
	next := g.stageBase()
	newLeafIndex := len(next.Members)
	next.Members = append(next.Members, memberEntry{
		Identity: kp.Identity,
		SigPub:   kp.SigPub,
		InitPub:  kp.InitPub,
		Active:   true,
	})
	advanceEpochState(&next)

	welcome := Welcome{
		GroupID:     next.GroupID,
		Epoch:       next.Epoch,
		EpochSecret: next.EpochSecret,
		Members:     next.Members,
		LeafIndex:   newLeafIndex,
	}
	welcomeBytes, err = json.Marshal(welcome)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal welcome: %w", err)
	}
	commitBytes, err = json.Marshal(next)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal commit: %w", err)
	}
	g.pending = &next
	return commitBytes, welcomeBytes, nil
}

// RemoveMember stages a commit removing a member by leaf index, advancing
// the epoch on the staged state only.
func (g *Group) RemoveMember(leafIndex int) ([]byte, error) {
	if g.pending != nil {
		return nil, fmt.Errorf("mls: group has an unmerged pending commit")
	}
	if leafIndex < 0 || leafIndex >= len(g.state.Members) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", leafIndex, len(g.state.Members))
	}
	if leafIndex == g.state.OwnLeafIndex {
		return nil, fmt.Errorf("cannot remove self, use LeaveGroup")
	}

	next := g.stageBase()
	next.Members[leafIndex].Active = false
	advanceEpochState(&next)

	commitBytes, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}
	g.pending = &next
	return commitBytes, nil
}

// SelfUpdate stages a commit rotating this member's init key without
// changing membership, advancing the epoch on the staged state only.
// Used for periodic forward-secrecy hygiene.
func (g *Group) SelfUpdate(newInitPub []byte) ([]byte, error) {
	if g.pending != nil {
		return nil, fmt.Errorf("mls: group has an unmerged pending commit")
	}
	next := g.stageBase()
	next.Members[next.OwnLeafIndex].InitPub = newInitPub
	advanceEpochState(&next)

	commitBytes, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}
	g.pending = &next
	return commitBytes, nil
}

// HasPendingCommit reports whether a commit staged by AddMember,
// RemoveMember, or SelfUpdate is awaiting MergePendingCommit.
func (g *Group) HasPendingCommit() bool {
	return g.pending != nil
}

// PendingEpoch returns the epoch a staged commit would advance the group
// to, and whether one is staged at all.
func (g *Group) PendingEpoch() (uint64, bool) {
	if g.pending == nil {
		return 0, false
	}
	return g.pending.Epoch, true
}

// MergePendingCommit folds a staged commit into the group's live state,
// rebuilding sender ratchets for the new epoch, and returns the epoch the
// group now sits at. It fails if nothing is staged.
func (g *Group) MergePendingCommit() (uint64, error) {
	if g.pending == nil {
		return 0, fmt.Errorf("mls: no pending commit to merge")
	}
	g.state = *g.pending
	g.pending = nil
	g.ratchets = make(map[int]*SenderRatchet)
	return g.state.Epoch, nil
}

// ApplyCommit applies a commit received from another member, replacing
// local state wholesale (commits in this implementation carry the full
// post-commit state, not a delta).
func (g *Group) ApplyCommit(commitBytes []byte) error {
	var newState groupState
	if err := json.Unmarshal(commitBytes, &newState); err != nil {
		return fmt.Errorf("unmarshal commit: %w", err)
	}
	g.state = newState
	g.ratchets = make(map[int]*SenderRatchet)
	return nil
}

// StateSnapshot returns a defensive copy of the serialized state, suitable
// for EpochSnapshot capture immediately before a risky mutation.
func (g *Group) StateSnapshot() ([]byte, error) {
	return g.ToBytes()
}
