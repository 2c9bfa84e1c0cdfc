package mdk

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostr-mls/mdk/internal/mls"
	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
	"github.com/nostr-mls/mdk/internal/relay"
)

// CreateGroupOptions describes a new group at creation time.
type CreateGroupOptions struct {
	Name            string
	Description     string
	AdminPubkeys    []string
	Relays          []string
	PeerKeyPackages []mls.KeyPackage // one per invited peer, excluding the creator
}

// WelcomeRumor is an unsigned MLS-welcome rumor destined for one invited
// peer, ready to be giftwrapped (kind 1059) to that peer's identity key.
type WelcomeRumor struct {
	RecipientPubkey string
	Rumor           nostr.Event
}

// welcomePayload is the JSON body of a welcome rumor's content: the raw
// mls.Welcome bytes plus the display metadata the new member needs to
// populate its own Group row without waiting for a separate fetch.
type welcomePayload struct {
	MlsWelcome   json.RawMessage `json:"mls_welcome"`
	NostrGroupId string          `json:"nostr_group_id"`
	GroupName    string          `json:"group_name"`
	Description  string          `json:"description,omitempty"`
	AdminPubkeys []string        `json:"admin_pubkeys"`
	Relays       []string        `json:"relays"`
}

// CreateGroup creates a new group with the local identity as its sole
// initial member, then adds each invited peer to the epoch-0 founding
// roster (this implementation's simplified MLS layer has no native
// multi-add commit, so member-by-member is the closest equivalent to a
// single creation commit). Every peer's welcome carries the complete
// founding roster. The returned record sits in the Pending state at epoch
// 0 until MergePendingCommit marks it Active; the founding roster is
// already part of the live group state, and staging further commits does
// not wait for that merge.
func (e *Engine) CreateGroup(ctx context.Context, opts CreateGroupOptions) (*models.Group, []WelcomeRumor, error) {
	if err := e.validateGroupFields(opts.Name, opts.Description, opts.AdminPubkeys, opts.Relays); err != nil {
		return nil, nil, err
	}
	if e.identityPK == "" {
		return nil, nil, fmt.Errorf("mdk: no identity configured, set Builder.WithIdentity")
	}

	keys, err := e.identityMemberKeys()
	if err != nil {
		return nil, nil, err
	}
	mlsGroupID, err := randomGroupID()
	if err != nil {
		return nil, nil, err
	}
	nostrGroupID, err := randomNostrGroupID()
	if err != nil {
		return nil, nil, err
	}

	identity, err := hex.DecodeString(e.identityPK)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: decoding local identity pubkey: %w", err)
	}

	g, err := mls.Create(mlsGroupID, identity, keys)
	if err != nil {
		return nil, nil, mlserr.Crypto("creating mls group", err)
	}

	var founding []mls.Welcome
	for _, kp := range opts.PeerKeyPackages {
		welcomeBytes, err := g.AddFoundingMember(kp)
		if err != nil {
			return nil, nil, mlserr.Crypto("adding peer to new group", err)
		}
		var w mls.Welcome
		if err := json.Unmarshal(welcomeBytes, &w); err != nil {
			return nil, nil, mlserr.Crypto("decoding founding welcome", err)
		}
		founding = append(founding, w)
	}

	var welcomes []WelcomeRumor
	for i, w := range founding {
		w.Members = founding[len(founding)-1].Members
		welcomeBytes, err := json.Marshal(w)
		if err != nil {
			return nil, nil, mlserr.Crypto("encoding founding welcome", err)
		}
		rumor, err := e.buildWelcomeRumor(welcomeBytes, nostrGroupID.Hex(), opts.Name, opts.Description, opts.AdminPubkeys, opts.Relays)
		if err != nil {
			return nil, nil, err
		}
		recipient := hex.EncodeToString(opts.PeerKeyPackages[i].Identity)
		welcomes = append(welcomes, WelcomeRumor{RecipientPubkey: recipient, Rumor: rumor})
	}

	record := &models.Group{
		MlsGroupId:   models.GroupId(mlsGroupID),
		NostrGroupId: nostrGroupID,
		Name:         opts.Name,
		Description:  opts.Description,
		AdminPubkeys: opts.AdminPubkeys,
		Epoch:        g.Epoch(),
		State:        models.GroupStatePending,
	}
	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return nil, nil, err
	}
	if err := e.storage.ReplaceRelays(ctx, record.MlsGroupId, opts.Relays); err != nil {
		return nil, nil, err
	}
	e.cacheGroup(g)

	return record, welcomes, nil
}

// MergePendingCommit finalizes whichever step is outstanding for groupID:
// a commit staged by AddMembers, RemoveMembers, or SelfUpdate is merged
// into the live group; for a group CreateGroup just made, nothing is
// staged (the founding roster is already live) and only the Group row is
// finalized at the current epoch. Finalizing
// persists the new epoch, the epoch's exporter secret, and a rollback
// snapshot, and flips the Group row to Active.
func (e *Engine) MergePendingCommit(ctx context.Context, groupID models.GroupId) (*models.Group, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, err
	}
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if g.HasPendingCommit() {
		newEpoch, err := g.MergePendingCommit()
		if err != nil {
			return nil, mlserr.Crypto("merging pending commit", err)
		}
		record.Epoch = newEpoch
	} else {
		record.Epoch = g.Epoch()
	}
	record.State = models.GroupStateActive

	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return nil, err
	}
	if err := e.saveExporterSecret(ctx, groupID, g); err != nil {
		return nil, err
	}
	e.captureSnapshot(groupID, g)
	return record, nil
}

// buildWelcomeRumor wraps the MLS welcome bytes and group metadata into an
// unsigned kind-444 rumor. The caller giftwraps it per recipient.
func (e *Engine) buildWelcomeRumor(welcomeBytes []byte, nostrGroupIDHex, name, description string, admins, relays []string) (nostr.Event, error) {
	payload := welcomePayload{
		MlsWelcome:   json.RawMessage(mustMarshalWelcome(welcomeBytes)),
		NostrGroupId: nostrGroupIDHex,
		GroupName:    name,
		Description:  description,
		AdminPubkeys: admins,
		Relays:       relays,
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("mdk: marshaling welcome rumor: %w", err)
	}
	return nostr.Event{
		Kind:      relay.KindMlsWelcome,
		CreatedAt: nostr.Now(),
		Content:   string(content),
	}, nil
}

// mustMarshalWelcome hex-wraps raw welcome bytes as a JSON string, since
// json.RawMessage must itself be valid JSON.
func mustMarshalWelcome(welcomeBytes []byte) []byte {
	out, _ := json.Marshal(hex.EncodeToString(welcomeBytes))
	return out
}

// ProcessWelcome unseals nothing itself (the caller has already unwrapped
// the giftwrap via welcomes.go's UnwrapGiftWrap equivalent); it validates
// the inner rumor is the expected kind and persists it as a pending
// Welcome row.
func (e *Engine) ProcessWelcome(ctx context.Context, wrapperEventID string, welcomerPubkey string, rumor nostr.Event) (*models.Welcome, error) {
	if rumor.Kind != relay.KindMlsWelcome {
		return nil, mlserr.InvalidParameters("welcome rumor has kind %d, expected %d", rumor.Kind, relay.KindMlsWelcome)
	}
	var payload welcomePayload
	if err := json.Unmarshal([]byte(rumor.Content), &payload); err != nil {
		return nil, mlserr.InvalidParameters("decoding welcome rumor content: %v", err)
	}
	var hexWelcome string
	if err := json.Unmarshal(payload.MlsWelcome, &hexWelcome); err != nil {
		return nil, mlserr.InvalidParameters("decoding welcome payload: %v", err)
	}
	welcomeBytes, err := hex.DecodeString(hexWelcome)
	if err != nil {
		return nil, mlserr.InvalidParameters("decoding welcome hex: %v", err)
	}
	var w mls.Welcome
	if err := json.Unmarshal(welcomeBytes, &w); err != nil {
		return nil, mlserr.InvalidParameters("decoding mls welcome: %v", err)
	}
	nostrGroupID, err := models.ParseNostrGroupId(payload.NostrGroupId)
	if err != nil {
		return nil, mlserr.InvalidParameters("decoding welcome nostr_group_id: %v", err)
	}

	record := &models.Welcome{
		WrapperEventId: wrapperEventID,
		WelcomerPubkey: welcomerPubkey,
		NostrGroupId:   nostrGroupID,
		MlsGroupId:     models.GroupId(w.GroupID),
		GroupName:      payload.GroupName,
		GroupRelays:    payload.Relays,
		AdminPubkeys:   payload.AdminPubkeys,
		Accepted:       false,
	}
	for _, m := range w.Members {
		record.MemberPubkeys = append(record.MemberPubkeys, hex.EncodeToString(m.Identity))
	}
	e.cachePendingWelcome(wrapperEventID, w)
	if err := e.storage.SaveWelcome(ctx, record); err != nil {
		return nil, err
	}
	if err := e.storage.SaveProcessedWelcome(ctx, &models.ProcessedWelcome{
		WrapperEventId: wrapperEventID,
		ProcessedAt:    time.Now().Unix(),
		State:          models.ProcessedWelcomeStatePending,
	}); err != nil {
		return nil, err
	}
	return record, nil
}

// AcceptWelcome bootstraps MLS state from a pending Welcome and persists
// the resulting Group as Active. If the participant is already a member,
// this is a no-op success; if the group was previously Inactive (left),
// it is reactivated.
func (e *Engine) AcceptWelcome(ctx context.Context, wrapperEventID string) (*models.Group, error) {
	w, err := e.storage.GetWelcome(ctx, wrapperEventID)
	if err != nil {
		return nil, err
	}

	if existing, err := e.storage.GetGroup(ctx, w.MlsGroupId); err == nil {
		if existing.State == models.GroupStateActive {
			return existing, nil
		}
		existing.State = models.GroupStateActive
		if err := e.storage.SaveGroup(ctx, existing); err != nil {
			return nil, err
		}
		if !w.Accepted {
			if err := e.markWelcomeAccepted(ctx, w); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	welcome, ok := e.takePendingWelcome(wrapperEventID)
	if !ok {
		return nil, mlserr.InvalidParameters("mdk: no decoded welcome cached for %s; it must be accepted in the process that called ProcessWelcome", wrapperEventID)
	}
	keys, err := e.identityMemberKeys()
	if err != nil {
		return nil, err
	}
	g := mls.JoinFromWelcome(welcome, keys)

	record := &models.Group{
		MlsGroupId:   w.MlsGroupId,
		NostrGroupId: w.NostrGroupId,
		Name:         w.GroupName,
		AdminPubkeys: w.AdminPubkeys,
		Epoch:        g.Epoch(),
		State:        models.GroupStateActive,
	}
	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return nil, err
	}
	if err := e.storage.ReplaceRelays(ctx, record.MlsGroupId, w.GroupRelays); err != nil {
		return nil, err
	}
	if err := e.saveExporterSecret(ctx, record.MlsGroupId, g); err != nil {
		return nil, err
	}
	e.cacheGroup(g)
	e.captureSnapshot(record.MlsGroupId, g)
	if err := e.markWelcomeAccepted(ctx, w); err != nil {
		return nil, err
	}
	return record, nil
}

// markWelcomeAccepted flips a Welcome and its ProcessedWelcome to accepted.
func (e *Engine) markWelcomeAccepted(ctx context.Context, w *models.Welcome) error {
	w.Accepted = true
	if err := e.storage.SaveWelcome(ctx, w); err != nil {
		return err
	}
	return e.storage.SaveProcessedWelcome(ctx, &models.ProcessedWelcome{
		WrapperEventId: w.WrapperEventId,
		ProcessedAt:    time.Now().Unix(),
		State:          models.ProcessedWelcomeStateAccepted,
	})
}

// AddMembers evolves a group by adding each peer in turn (this engine's
// simplified MLS layer has no batched add-multiple commit). Each
// addition's commit and welcome bytes are wrapped as a kind-445 wrapper
// event and WelcomeRumors respectively. Additions before the last in a
// batch merge internally so the next can stage; the final addition is
// left pending for the caller's explicit MergePendingCommit, which is
// what actually advances the group's persisted epoch.
func (e *Engine) AddMembers(ctx context.Context, groupID models.GroupId, peers []mls.KeyPackage) ([]*nostr.Event, []WelcomeRumor, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, nil, err
	}
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if g.HasPendingCommit() {
		return nil, nil, fmt.Errorf("mdk: group has an unmerged pending commit, call MergePendingCommit first")
	}

	var wrappers []*nostr.Event
	var welcomes []WelcomeRumor
	for i, kp := range peers {
		commitBytes, welcomeBytes, err := g.AddMember(kp)
		if err != nil {
			return nil, nil, mlserr.Crypto("adding member", err)
		}
		targetEpoch, _ := g.PendingEpoch()
		evt, err := e.wrapCommit(record.NostrGroupId, commitBytes, targetEpoch)
		if err != nil {
			return nil, nil, err
		}
		rumor, err := e.buildWelcomeRumor(welcomeBytes, record.NostrGroupId.Hex(), record.Name, record.Description, record.AdminPubkeys, nil)
		if err != nil {
			return nil, nil, err
		}
		wrappers = append(wrappers, evt)
		welcomes = append(welcomes, WelcomeRumor{RecipientPubkey: hex.EncodeToString(kp.Identity), Rumor: rumor})

		if i < len(peers)-1 {
			if _, err := g.MergePendingCommit(); err != nil {
				return nil, nil, mlserr.Crypto("merging intermediate commit", err)
			}
		}
	}

	return wrappers, welcomes, nil
}

// RemoveMembers evolves a group by removing each given leaf index in
// turn. As with AddMembers, only the last removal in a batch is left
// pending; earlier ones merge internally so the next can stage.
func (e *Engine) RemoveMembers(ctx context.Context, groupID models.GroupId, leafIndexes []int) ([]*nostr.Event, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, err
	}
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.HasPendingCommit() {
		return nil, fmt.Errorf("mdk: group has an unmerged pending commit, call MergePendingCommit first")
	}

	var wrappers []*nostr.Event
	for i, idx := range leafIndexes {
		commitBytes, err := g.RemoveMember(idx)
		if err != nil {
			return nil, mlserr.Crypto("removing member", err)
		}
		targetEpoch, _ := g.PendingEpoch()
		evt, err := e.wrapCommit(record.NostrGroupId, commitBytes, targetEpoch)
		if err != nil {
			return nil, err
		}
		wrappers = append(wrappers, evt)

		if i < len(leafIndexes)-1 {
			if _, err := g.MergePendingCommit(); err != nil {
				return nil, mlserr.Crypto("merging intermediate commit", err)
			}
		}
	}

	return wrappers, nil
}

// SelfUpdate stages a commit rotating the local member's init key for
// forward-secrecy hygiene, producing one commit wrapper event. The
// group's persisted epoch only advances once the caller calls
// MergePendingCommit.
func (e *Engine) SelfUpdate(ctx context.Context, groupID models.GroupId) (*nostr.Event, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, err
	}
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.HasPendingCommit() {
		return nil, fmt.Errorf("mdk: group has an unmerged pending commit, call MergePendingCommit first")
	}

	fresh, err := mls.GenerateMemberKeys()
	if err != nil {
		return nil, fmt.Errorf("mdk: generating rotation key: %w", err)
	}
	commitBytes, err := g.SelfUpdate(fresh.InitPub)
	if err != nil {
		return nil, mlserr.Crypto("self-updating", err)
	}
	targetEpoch, _ := g.PendingEpoch()
	evt, err := e.wrapCommit(record.NostrGroupId, commitBytes, targetEpoch)
	if err != nil {
		return nil, err
	}

	return evt, nil
}

// LeaveGroup marks a group Inactive locally and drops its live MLS state
// and retained snapshots. It does not itself produce a remove-self commit
// for other members; that is left to an admin's RemoveMembers call once
// the departure is observed, matching how this engine has no standing
// external-commit mechanism of its own.
func (e *Engine) LeaveGroup(ctx context.Context, groupID models.GroupId) error {
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	record.State = models.GroupStateInactive
	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return err
	}
	e.dropGroup(groupID)
	e.snapshots.DropGroup(groupID)
	return nil
}

// GetGroup returns the stored Group row.
func (e *Engine) GetGroup(ctx context.Context, groupID models.GroupId) (*models.Group, error) {
	return e.storage.GetGroup(ctx, groupID)
}

// GetGroups returns every stored Group row.
func (e *Engine) GetGroups(ctx context.Context) ([]*models.Group, error) {
	return e.storage.ListGroups(ctx)
}

// GetRelays returns the relay set configured for a group.
func (e *Engine) GetRelays(ctx context.Context, groupID models.GroupId) ([]string, error) {
	return e.storage.GetRelays(ctx, groupID)
}

// GetMembers returns the hex-encoded pubkeys of a group's active members,
// read from live MLS state (storage holds only the admin subset).
func (e *Engine) GetMembers(groupID models.GroupId) ([]string, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, err
	}
	members := g.Members()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = hex.EncodeToString(m)
	}
	return out, nil
}

// GetAdmins returns the admin pubkey set recorded on the Group row.
func (e *Engine) GetAdmins(ctx context.Context, groupID models.GroupId) ([]string, error) {
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return record.AdminPubkeys, nil
}

// wrapCommit builds the kind-445 wrapper event carrying a commit envelope,
// signed under a fresh ephemeral key per §6. targetEpoch is the epoch this
// commit advances the group to, carried so a receiver can roll back to the
// snapshot before it if a preferred commit arrives later (§4.8).
func (e *Engine) wrapCommit(nostrGroupID models.NostrGroupId, commitBytes []byte, targetEpoch uint64) (*nostr.Event, error) {
	env := wireMessage{Kind: wireKindCommit, CommitState: commitBytes, TargetEpoch: targetEpoch}
	content, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("mdk: marshaling commit envelope: %w", err)
	}
	evt, _, err := relay.GroupMessageEvent(nostrGroupID, content, nil)
	if err != nil {
		return nil, fmt.Errorf("mdk: building commit wrapper event: %w", err)
	}
	return evt, nil
}

// saveExporterSecret persists the exporter secret for a group's current
// epoch, the key material media encryption and epoch-fallback decryption
// both read from.
func (e *Engine) saveExporterSecret(ctx context.Context, groupID models.GroupId, g *mls.Group) error {
	secret := g.ExportEpochSecret()
	return e.storage.SaveExporterSecret(ctx, &models.GroupExporterSecret{
		MlsGroupId: groupID,
		Epoch:      g.Epoch(),
		Secret:     models.NewSecret(secret),
	})
}

// captureSnapshot records the current MLS state and exporter secret in the
// snapshot manager, the rollback/retry (C8) primitive's raw material.
func (e *Engine) captureSnapshot(groupID models.GroupId, g *mls.Group) {
	stateBytes, err := g.ToBytes()
	if err != nil {
		e.logger.Error("mdk: capturing snapshot", "group", groupID.String(), "error", err)
		return
	}
	e.snapshots.Capture(groupID, models.EpochSnapshot{
		MlsGroupId:     groupID,
		Epoch:          g.Epoch(),
		StateBytes:     models.NewSecret(stateBytes),
		ExporterSecret: models.NewSecret(g.ExportEpochSecret()),
		CapturedAt:     time.Now().Unix(),
	})
}
