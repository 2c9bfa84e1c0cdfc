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

// wireKind discriminates what a kind-445 wrapper event's content actually
// carries once decrypted from its envelope. The underlying MLS layer
// doesn't structurally separate application ciphertexts from commits the
// way real MLS handshake messages do, so the engine tags it explicitly.
type wireKind string

const (
	wireKindApplication wireKind = "application"
	wireKindCommit      wireKind = "commit"
)

// wireMessage is the content of every kind-445 wrapper event this engine
// produces: exactly one of Ciphertext or CommitState is populated,
// depending on Kind.
type wireMessage struct {
	Kind        wireKind        `json:"kind"`
	Ciphertext  *mls.Ciphertext `json:"ciphertext,omitempty"`
	CommitState []byte          `json:"commit_state,omitempty"`
	// TargetEpoch is the epoch a commit envelope advances the group to,
	// carried so a receiver can roll back to the snapshot before it if a
	// preferred commit supersedes this one (§4.8).
	TargetEpoch uint64 `json:"target_epoch,omitempty"`
}

// SendOptions controls optional behavior of Send, mirroring the inner
// rumor's delivery options.
type SendOptions struct {
	SkipStorage      bool
	ExtraWrapperTags nostr.Tags
	ReplyTo          string
}

// Send encrypts rumor under groupID's current epoch and returns the signed
// kind-445 wrapper event ready for publication, persisting bookkeeping
// rows unless SkipStorage is set.
func (e *Engine) Send(ctx context.Context, groupID models.GroupId, rumor nostr.Event, opts SendOptions) (*nostr.Event, *models.Message, error) {
	g, err := e.liveGroup(groupID)
	if err != nil {
		return nil, nil, err
	}
	record, err := e.storage.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	if rumor.ID == "" {
		rumor.ID = rumor.GetID()
	}
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = nostr.Now()
	}
	if opts.ReplyTo != "" {
		rumor.Tags = append(rumor.Tags, nostr.Tag{"e", opts.ReplyTo, "", "reply"})
	}

	plaintext, err := json.Marshal(rumor)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: marshaling rumor: %w", err)
	}
	ct, err := g.EncryptApplicationMessage(plaintext, e.cfg.Engine.OutOfOrderTolerance, e.cfg.Engine.MaximumForwardDistance)
	if err != nil {
		return nil, nil, mlserr.Crypto("encrypting application message", err)
	}

	env := wireMessage{Kind: wireKindApplication, Ciphertext: ct}
	content, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: marshaling application envelope: %w", err)
	}
	if err := e.validateMessageFields(rumor.Content, mustMarshalTags(rumor.Tags), content); err != nil {
		return nil, nil, err
	}

	wrapper, _, err := relay.GroupMessageEvent(record.NostrGroupId, content, opts.ExtraWrapperTags)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: building wrapper event: %w", err)
	}

	if opts.SkipStorage {
		return wrapper, nil, nil
	}

	tagsJSON, err := json.Marshal(rumor.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: marshaling rumor tags: %w", err)
	}
	eventJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, nil, fmt.Errorf("mdk: marshaling rumor event: %w", err)
	}
	epoch := g.Epoch()
	msg := &models.Message{
		Id:             rumor.ID,
		Pubkey:         rumor.PubKey,
		Kind:           rumor.Kind,
		MlsGroupId:     groupID,
		CreatedAt:      int64(rumor.CreatedAt),
		ProcessedAt:    time.Now().Unix(),
		Content:        rumor.Content,
		Tags:           tagsJSON,
		Event:          eventJSON,
		WrapperEventId: wrapper.ID,
		Epoch:          &epoch,
		State:          models.MessageStateCreated,
	}
	if err := e.storage.SaveMessage(ctx, msg); err != nil {
		return nil, nil, err
	}
	if err := e.storage.SaveProcessedMessage(ctx, &models.ProcessedMessage{
		WrapperEventId: wrapper.ID,
		MessageEventId: &msg.Id,
		ProcessedAt:    msg.ProcessedAt,
		Epoch:          &epoch,
		MlsGroupId:     &groupID,
		State:          models.ProcessedMessageStateCreated,
	}); err != nil {
		return nil, nil, err
	}
	record.UpdateLastMessage(msg.Id, msg.CreatedAt, msg.ProcessedAt)
	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return nil, nil, err
	}

	return wrapper, msg, nil
}

// mustMarshalTags is a thin helper so Send can size-check tags before the
// wrapper event is built; errors are impossible for a nostr.Tags value.
func mustMarshalTags(tags nostr.Tags) []byte {
	b, _ := json.Marshal(tags)
	return b
}

// ResultKind classifies the outcome of Receive.
type ResultKind string

const (
	ResultApplicationMessage   ResultKind = "application_message"
	ResultCommit               ResultKind = "commit"
	ResultExternalJoinProposal ResultKind = "external_join_proposal"
	ResultUnprocessable        ResultKind = "unprocessable"
)

// MessageProcessingResult is what Receive reports back to the caller for
// one wrapper event.
type MessageProcessingResult struct {
	Kind     ResultKind
	Message  *models.Message
	NewEpoch uint64
	Reason   string
}

// Receive processes one observed kind-445 wrapper event per §4.4.2: it is
// idempotent on wrapper_event_id, validates freshness, resolves the
// target group, and either applies a commit or decrypts an application
// message, persisting bookkeeping rows as it goes.
func (e *Engine) Receive(ctx context.Context, wrapper *nostr.Event) (MessageProcessingResult, error) {
	if existing, err := e.storage.GetProcessedMessage(ctx, wrapper.ID); err == nil && isTerminal(existing.State) {
		return MessageProcessingResult{Kind: ResultUnprocessable, Reason: "already processed"}, nil
	}

	if ok, err := wrapper.CheckSignature(); err != nil || !ok {
		return e.failReceive(ctx, wrapper.ID, nil, "invalid signature")
	}
	if err := e.validateWrapperFreshness(wrapper); err != nil {
		return e.failReceive(ctx, wrapper.ID, nil, err.Error())
	}

	nostrGroupID, ciphertext, err := relay.ParseGroupMessageEvent(wrapper)
	if err != nil {
		return e.failReceive(ctx, wrapper.ID, nil, err.Error())
	}
	record, err := e.storage.GetGroupByNostrID(ctx, nostrGroupID)
	if err != nil {
		return e.failReceive(ctx, wrapper.ID, nil, "unknown group, may become retryable after a welcome arrives")
	}
	groupID := record.MlsGroupId

	g, err := e.liveGroup(groupID)
	if err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "no live mls state for group")
	}

	var env wireMessage
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "malformed wrapper content")
	}

	switch env.Kind {
	case wireKindCommit:
		return e.receiveCommit(ctx, wrapper, groupID, record, g, env)
	case wireKindApplication:
		return e.receiveApplication(ctx, wrapper, groupID, g, env)
	default:
		return e.failReceive(ctx, wrapper.ID, &groupID, fmt.Sprintf("unknown wire kind %q", env.Kind))
	}
}

// receiveCommit applies a commit/proposal, advancing the group's epoch and
// invalidating any rows already stored past the new epoch (handled fully
// by the rollback procedure when the commit is a late-arriving preferred
// one; here it is the straightforward forward-advancing case).
func (e *Engine) receiveCommit(ctx context.Context, wrapper *nostr.Event, groupID models.GroupId, record *models.Group, g *mls.Group, env wireMessage) (MessageProcessingResult, error) {
	if err := g.ApplyCommit(env.CommitState); err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "applying commit: "+err.Error())
	}
	newEpoch := g.Epoch()
	record.Epoch = newEpoch
	if err := e.storage.SaveGroup(ctx, record); err != nil {
		return MessageProcessingResult{}, err
	}
	if err := e.saveExporterSecret(ctx, groupID, g); err != nil {
		return MessageProcessingResult{}, err
	}
	e.captureSnapshot(groupID, g)

	if _, err := e.storage.InvalidateEpoch(ctx, groupID, newEpoch); err != nil {
		return MessageProcessingResult{}, err
	}

	if err := e.storage.SaveProcessedMessage(ctx, &models.ProcessedMessage{
		WrapperEventId: wrapper.ID,
		ProcessedAt:    time.Now().Unix(),
		Epoch:          &newEpoch,
		MlsGroupId:     &groupID,
		State:          models.ProcessedMessageStateProcessedCommit,
	}); err != nil {
		return MessageProcessingResult{}, err
	}
	return MessageProcessingResult{Kind: ResultCommit, NewEpoch: newEpoch}, nil
}

// receiveApplication decrypts an application message, performs author
// binding (§4.4.3), and persists per §4.4.4's ephemeral-kind rule.
func (e *Engine) receiveApplication(ctx context.Context, wrapper *nostr.Event, groupID models.GroupId, g *mls.Group, env wireMessage) (MessageProcessingResult, error) {
	if env.Ciphertext == nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "missing ciphertext")
	}
	plaintext, err := g.DecryptApplicationMessage(env.Ciphertext, e.cfg.Engine.OutOfOrderTolerance, e.cfg.Engine.MaximumForwardDistance)
	if err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "decrypting: "+err.Error())
	}

	var rumor nostr.Event
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "decoding inner rumor")
	}

	cred, err := g.CredentialFor(env.Ciphertext.SenderLeaf)
	if err != nil {
		return e.failReceive(ctx, wrapper.ID, &groupID, "unknown sender leaf")
	}
	if hex.EncodeToString(cred) != rumor.PubKey {
		return e.failReceive(ctx, wrapper.ID, &groupID, "author binding mismatch: credential does not match rumor pubkey")
	}

	epoch := env.Ciphertext.Epoch
	now := time.Now().Unix()

	if e.isEphemeralKind(rumor.Kind) {
		msg := &models.Message{
			Id:          rumor.ID,
			Pubkey:      rumor.PubKey,
			Kind:        rumor.Kind,
			MlsGroupId:  groupID,
			CreatedAt:   int64(rumor.CreatedAt),
			ProcessedAt: now,
			Content:     rumor.Content,
			Tags:        mustMarshalTags(rumor.Tags),
			Epoch:       &epoch,
			State:       models.MessageStateProcessed,
		}
		return MessageProcessingResult{Kind: ResultApplicationMessage, Message: msg}, nil
	}

	eventJSON, err := json.Marshal(rumor)
	if err != nil {
		return MessageProcessingResult{}, fmt.Errorf("mdk: marshaling received rumor: %w", err)
	}
	msg := &models.Message{
		Id:             rumor.ID,
		Pubkey:         rumor.PubKey,
		Kind:           rumor.Kind,
		MlsGroupId:     groupID,
		CreatedAt:      int64(rumor.CreatedAt),
		ProcessedAt:    now,
		Content:        rumor.Content,
		Tags:           mustMarshalTags(rumor.Tags),
		Event:          eventJSON,
		WrapperEventId: wrapper.ID,
		Epoch:          &epoch,
		State:          models.MessageStateProcessed,
	}
	if err := e.storage.SaveMessage(ctx, msg); err != nil {
		return MessageProcessingResult{}, err
	}
	if err := e.storage.SaveProcessedMessage(ctx, &models.ProcessedMessage{
		WrapperEventId: wrapper.ID,
		MessageEventId: &msg.Id,
		ProcessedAt:    now,
		Epoch:          &epoch,
		MlsGroupId:     &groupID,
		State:          models.ProcessedMessageStateProcessed,
	}); err != nil {
		return MessageProcessingResult{}, err
	}
	if record, err := e.storage.GetGroup(ctx, groupID); err == nil {
		record.UpdateLastMessage(msg.Id, msg.CreatedAt, msg.ProcessedAt)
		if err := e.storage.SaveGroup(ctx, record); err != nil {
			return MessageProcessingResult{}, err
		}
	}

	return MessageProcessingResult{Kind: ResultApplicationMessage, Message: msg}, nil
}

// failReceive records a Failed ProcessedMessage with reason and returns
// the matching Unprocessable result, without advancing any ratchet state.
func (e *Engine) failReceive(ctx context.Context, wrapperEventID string, groupID *models.GroupId, reason string) (MessageProcessingResult, error) {
	if err := e.storage.SaveProcessedMessage(ctx, &models.ProcessedMessage{
		WrapperEventId: wrapperEventID,
		ProcessedAt:    time.Now().Unix(),
		MlsGroupId:     groupID,
		State:          models.ProcessedMessageStateFailed,
		FailureReason:  &reason,
	}); err != nil {
		return MessageProcessingResult{}, err
	}
	return MessageProcessingResult{Kind: ResultUnprocessable, Reason: reason}, nil
}

// isTerminal reports whether a ProcessedMessage state means Receive should
// treat the wrapper event as already handled.
func isTerminal(s models.ProcessedMessageState) bool {
	switch s {
	case models.ProcessedMessageStateProcessed,
		models.ProcessedMessageStateProcessedCommit,
		models.ProcessedMessageStateFailed,
		models.ProcessedMessageStateEpochInvalidated:
		return true
	default:
		return false
	}
}
