// Package memory implements storage.Provider entirely in process memory,
// for tests and for clients that accept losing state on restart. Its
// groups table is an LRU, bounded the same way the teacher's chat caches
// were; every other table is a plain map with no eviction.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
	"github.com/nostr-mls/mdk/internal/storage"
)

const defaultCacheSize = 4096

// Store is the in-memory storage.Provider. All state is guarded by mu;
// only the groups table is a bounded LRU, and the messages, welcomes,
// exporter-secret and other tables are plain maps.
type Store struct {
	mu sync.RWMutex

	groups       *lru.Cache[string, *models.Group]
	groupsByNostr map[[32]byte]string
	relays       map[string][]string

	messages map[string]map[string]*models.Message // groupID -> rumorID -> Message

	processedMessages map[string]*models.ProcessedMessage // wrapperEventID -> ProcessedMessage

	welcomes          map[string]*models.Welcome
	processedWelcomes map[string]*models.ProcessedWelcome

	exporterSecrets map[string]map[uint64]*models.GroupExporterSecret // groupID -> epoch -> secret

	snapshots map[string]map[string]groupSnapshot // groupID -> label -> snapshot
}

type groupSnapshot struct {
	group             *models.Group
	relays            []string
	messages          map[string]*models.Message
	processedMessages []*models.ProcessedMessage
	exporterSecrets   map[uint64]*models.GroupExporterSecret
	takenAtUnix       int64
}

// New returns an empty Store. cacheSize bounds the number of distinct
// groups retained; 0 selects the default.
func New(cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	groups, err := lru.New[string, *models.Group](cacheSize)
	if err != nil {
		return nil, mlserr.Database("allocating group cache", err)
	}
	return &Store{
		groups:            groups,
		groupsByNostr:     make(map[[32]byte]string),
		relays:            make(map[string][]string),
		messages:          make(map[string]map[string]*models.Message),
		processedMessages: make(map[string]*models.ProcessedMessage),
		welcomes:          make(map[string]*models.Welcome),
		processedWelcomes: make(map[string]*models.ProcessedWelcome),
		exporterSecrets:   make(map[string]map[uint64]*models.GroupExporterSecret),
		snapshots:         make(map[string]map[string]groupSnapshot),
	}, nil
}

var _ storage.Provider = (*Store)(nil)

func cloneGroup(g *models.Group) *models.Group {
	cp := *g
	cp.AdminPubkeys = append([]string(nil), g.AdminPubkeys...)
	return &cp
}

// SaveGroup inserts or replaces a group, enforcing the 1:1 NostrGroupId
// binding and the Provider's field-size limits.
func (s *Store) SaveGroup(ctx context.Context, g *models.Group) error {
	if err := storage.ValidateGroupFields(g); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := g.MlsGroupId.String()
	if existingKey, ok := s.groupsByNostr[g.NostrGroupId]; ok && existingKey != key {
		return mlserr.InvalidParameters("nostr group id %s already bound to a different group", g.NostrGroupId.Hex())
	}
	s.groupsByNostr[g.NostrGroupId] = key
	s.groups.Add(key, cloneGroup(g))
	return nil
}

// GetGroup returns the stored group by its MLS identifier.
func (s *Store) GetGroup(ctx context.Context, id models.GroupId) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups.Get(id.String())
	if !ok {
		return nil, mlserr.GroupNotFound(id.String())
	}
	return cloneGroup(g), nil
}

// GetGroupByNostrID resolves a group via its relay-visible identifier.
func (s *Store) GetGroupByNostrID(ctx context.Context, id models.NostrGroupId) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.groupsByNostr[id]
	if !ok {
		return nil, mlserr.GroupNotFound(id.Hex())
	}
	g, ok := s.groups.Get(key)
	if !ok {
		return nil, mlserr.GroupNotFound(id.Hex())
	}
	return cloneGroup(g), nil
}

// ListGroups returns every stored group, sorted by MlsGroupId for stable
// iteration order across calls.
func (s *Store) ListGroups(ctx context.Context) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Group, 0, s.groups.Len())
	for _, key := range s.groups.Keys() {
		g, ok := s.groups.Peek(key)
		if !ok {
			continue
		}
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MlsGroupId.String() < out[j].MlsGroupId.String() })
	return out, nil
}

// ReplaceRelays atomically swaps the relay set for a group, enforcing the
// Provider's per-group relay count and per-URL length limits.
func (s *Store) ReplaceRelays(ctx context.Context, id models.GroupId, relays []string) error {
	if err := storage.ValidateRelays(relays); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays[id.String()] = append([]string(nil), relays...)
	return nil
}

// GetRelays returns the relay set for a group.
func (s *Store) GetRelays(ctx context.Context, id models.GroupId) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.relays[id.String()]...), nil
}

func cloneMessage(m *models.Message) *models.Message {
	cp := *m
	return &cp
}

// SaveMessage inserts or replaces a message, keyed by (group, rumor id),
// and advances the group's last-message pointer if this message wins the
// display-key comparison.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	if err := storage.ValidateMessageFields(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groupKey := m.MlsGroupId.String()
	byID, ok := s.messages[groupKey]
	if !ok {
		byID = make(map[string]*models.Message)
		s.messages[groupKey] = byID
	}
	byID[m.Id] = cloneMessage(m)

	if g, ok := s.groups.Get(groupKey); ok {
		g.UpdateLastMessage(m.Id, m.CreatedAt, m.ProcessedAt)
	}
	return nil
}

// GetMessage returns a single message by its rumor id within a group.
func (s *Store) GetMessage(ctx context.Context, groupID models.GroupId, rumorID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.messages[groupID.String()]
	if !ok {
		return nil, mlserr.NotFound("message", rumorID)
	}
	m, ok := byID[rumorID]
	if !ok {
		return nil, mlserr.NotFound("message", rumorID)
	}
	return cloneMessage(m), nil
}

// tagsContain reports whether a message's raw tags JSON mentions both the
// tag name and value as literal substrings. Unlike the sqlite backend's
// LIKE-based filter, this is a direct Contains check, so there is no
// metacharacter to escape here — the same "%"/"_" values the sqlite path
// must escape match literally in a plain substring search.
func tagsContain(tagsJSON []byte, tagName, value string) bool {
	haystack := string(tagsJSON)
	return strings.Contains(haystack, tagName) && strings.Contains(haystack, value)
}

// ListMessages returns messages for a group under the requested ordering,
// optionally narrowed by a tag filter, paginated by opts.Limit/Offset.
func (s *Store) ListMessages(ctx context.Context, groupID models.GroupId, opts storage.ListOptions, filter *storage.TagFilter) ([]*models.Message, error) {
	if err := storage.ValidatePageLimit(opts.Limit); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.messages[groupID.String()]
	out := make([]*models.Message, 0, len(byID))
	for _, m := range byID {
		if filter != nil && !tagsContain(m.Tags, filter.TagName, filter.Value) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return opts.Order.Compare(out[i], out[j]) > 0 })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// LastMessage returns the most recent message for a group under the
// requested ordering.
func (s *Store) LastMessage(ctx context.Context, groupID models.GroupId, order models.MessageOrder) (*models.Message, error) {
	msgs, err := s.ListMessages(ctx, groupID, storage.ListOptions{Order: order, Limit: 1}, nil)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, mlserr.NotFound("message", "last")
	}
	return msgs[0], nil
}

// SaveProcessedMessage records the outcome of handling one wrapper event.
func (s *Store) SaveProcessedMessage(ctx context.Context, pm *models.ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pm
	s.processedMessages[pm.WrapperEventId] = &cp
	return nil
}

// GetProcessedMessage looks up a prior processing outcome by wrapper event id.
func (s *Store) GetProcessedMessage(ctx context.Context, wrapperEventID string) (*models.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pm, ok := s.processedMessages[wrapperEventID]
	if !ok {
		return nil, mlserr.NotFound("processed message", wrapperEventID)
	}
	cp := *pm
	return &cp, nil
}

// SaveWelcome records a pending (or updated) welcome.
func (s *Store) SaveWelcome(ctx context.Context, w *models.Welcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.GroupRelays = append([]string(nil), w.GroupRelays...)
	cp.MemberPubkeys = append([]string(nil), w.MemberPubkeys...)
	cp.AdminPubkeys = append([]string(nil), w.AdminPubkeys...)
	s.welcomes[w.WrapperEventId] = &cp
	return nil
}

// GetWelcome looks up a welcome by its wrapper event id.
func (s *Store) GetWelcome(ctx context.Context, wrapperEventID string) (*models.Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.welcomes[wrapperEventID]
	if !ok {
		return nil, mlserr.NotFound("welcome", wrapperEventID)
	}
	cp := *w
	return &cp, nil
}

// ListPendingWelcomes returns welcomes that have not yet been accepted or
// declined.
func (s *Store) ListPendingWelcomes(ctx context.Context) ([]*models.Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Welcome
	for _, w := range s.welcomes {
		if !w.Accepted {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrapperEventId < out[j].WrapperEventId })
	return out, nil
}

// SaveProcessedWelcome records the outcome of handling one giftwrapped welcome.
func (s *Store) SaveProcessedWelcome(ctx context.Context, pw *models.ProcessedWelcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pw
	s.processedWelcomes[pw.WrapperEventId] = &cp
	return nil
}

// GetProcessedWelcome looks up a prior welcome-processing outcome.
func (s *Store) GetProcessedWelcome(ctx context.Context, wrapperEventID string) (*models.ProcessedWelcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.processedWelcomes[wrapperEventID]
	if !ok {
		return nil, mlserr.NotFound("processed welcome", wrapperEventID)
	}
	cp := *pw
	return &cp, nil
}

// SaveExporterSecret stores the per-(group, epoch) media key.
func (s *Store) SaveExporterSecret(ctx context.Context, sec *models.GroupExporterSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sec.MlsGroupId.String()
	byEpoch, ok := s.exporterSecrets[key]
	if !ok {
		byEpoch = make(map[uint64]*models.GroupExporterSecret)
		s.exporterSecrets[key] = byEpoch
	}
	cp := *sec
	byEpoch[sec.Epoch] = &cp
	return nil
}

// GetExporterSecret returns the exporter secret for a specific epoch.
func (s *Store) GetExporterSecret(ctx context.Context, groupID models.GroupId, epoch uint64) (*models.GroupExporterSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byEpoch, ok := s.exporterSecrets[groupID.String()]
	if !ok {
		return nil, mlserr.NotFound("exporter secret", groupID.String())
	}
	sec, ok := byEpoch[epoch]
	if !ok {
		return nil, mlserr.NotFound("exporter secret", groupID.String())
	}
	cp := *sec
	return &cp, nil
}

// ListExporterSecretsDescending returns every known exporter secret for a
// group, most recent epoch first — the order the media epoch-fallback
// search walks.
func (s *Store) ListExporterSecretsDescending(ctx context.Context, groupID models.GroupId) ([]*models.GroupExporterSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byEpoch := s.exporterSecrets[groupID.String()]
	out := make([]*models.GroupExporterSecret, 0, len(byEpoch))
	for _, sec := range byEpoch {
		cp := *sec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out, nil
}

// InvalidateEpoch marks every message and processed message past afterEpoch
// as invalidated, returning the affected wrapper event ids.
func (s *Store) InvalidateEpoch(ctx context.Context, groupID models.GroupId, afterEpoch uint64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for _, m := range s.messages[groupID.String()] {
		if m.Epoch != nil && *m.Epoch > afterEpoch {
			m.State = models.MessageStateEpochInvalidated
			affected = append(affected, m.WrapperEventId)
		}
	}
	for id, pm := range s.processedMessages {
		if pm.MlsGroupId == nil || !pm.MlsGroupId.Equal(groupID) {
			continue
		}
		if pm.Epoch != nil && *pm.Epoch > afterEpoch {
			pm.State = models.ProcessedMessageStateEpochInvalidated
			affected = append(affected, id)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// MarkRetryable transitions a failed processed message to retryable.
func (s *Store) MarkRetryable(ctx context.Context, wrapperEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.processedMessages[wrapperEventID]
	if !ok {
		return mlserr.NotFound("processed message", wrapperEventID)
	}
	if pm.State != models.ProcessedMessageStateFailed {
		return mlserr.InvalidParameters("processed message %s is %v, not Failed", wrapperEventID, pm.State)
	}
	pm.State = models.ProcessedMessageStateRetryable
	return nil
}

// ListRetryable returns processed messages currently marked retryable.
func (s *Store) ListRetryable(ctx context.Context) ([]*models.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ProcessedMessage
	for _, pm := range s.processedMessages {
		if pm.State == models.ProcessedMessageStateRetryable {
			cp := *pm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrapperEventId < out[j].WrapperEventId })
	return out, nil
}

// ScanFailedRetryable marks every Failed processed message with no
// recorded epoch as Retryable, regardless of which group (if any) it was
// attributed to, and returns the wrapper event ids transitioned.
func (s *Store) ScanFailedRetryable(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, pm := range s.processedMessages {
		if pm.State == models.ProcessedMessageStateFailed && pm.Epoch == nil {
			pm.State = models.ProcessedMessageStateRetryable
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CreateGroupSnapshot takes a point-in-time copy of every row owned by one
// group under label, so RollbackGroupSnapshot can restore it atomically.
func (s *Store) CreateGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupID.String()
	g, ok := s.groups.Get(key)
	if !ok {
		return mlserr.GroupNotFound(key)
	}

	messagesCopy := make(map[string]*models.Message, len(s.messages[key]))
	for id, m := range s.messages[key] {
		cp := *m
		messagesCopy[id] = &cp
	}

	var processedCopy []*models.ProcessedMessage
	for _, pm := range s.processedMessages {
		if pm.MlsGroupId != nil && pm.MlsGroupId.Equal(groupID) {
			cp := *pm
			processedCopy = append(processedCopy, &cp)
		}
	}

	exporterCopy := make(map[uint64]*models.GroupExporterSecret, len(s.exporterSecrets[key]))
	for epoch, sec := range s.exporterSecrets[key] {
		cp := *sec
		exporterCopy[epoch] = &cp
	}

	byLabel, ok := s.snapshots[key]
	if !ok {
		byLabel = make(map[string]groupSnapshot)
		s.snapshots[key] = byLabel
	}
	byLabel[label] = groupSnapshot{
		group:             cloneGroup(g),
		relays:            append([]string(nil), s.relays[key]...),
		messages:          messagesCopy,
		processedMessages: processedCopy,
		exporterSecrets:   exporterCopy,
		takenAtUnix:       time.Now().Unix(),
	}
	return nil
}

// RollbackGroupSnapshot restores a group's rows to a previously captured
// snapshot, discarding everything written since.
func (s *Store) RollbackGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := groupID.String()
	byLabel, ok := s.snapshots[key]
	if !ok {
		return mlserr.NotFound("group snapshot", label)
	}
	snap, ok := byLabel[label]
	if !ok {
		return mlserr.NotFound("group snapshot", label)
	}

	s.groups.Add(key, cloneGroup(snap.group))
	s.relays[key] = append([]string(nil), snap.relays...)

	restoredMessages := make(map[string]*models.Message, len(snap.messages))
	for id, m := range snap.messages {
		cp := *m
		restoredMessages[id] = &cp
	}
	s.messages[key] = restoredMessages

	for id, pm := range s.processedMessages {
		if pm.MlsGroupId != nil && pm.MlsGroupId.Equal(groupID) {
			delete(s.processedMessages, id)
		}
	}
	for _, pm := range snap.processedMessages {
		cp := *pm
		s.processedMessages[pm.WrapperEventId] = &cp
	}

	restoredSecrets := make(map[uint64]*models.GroupExporterSecret, len(snap.exporterSecrets))
	for epoch, sec := range snap.exporterSecrets {
		cp := *sec
		restoredSecrets[epoch] = &cp
	}
	s.exporterSecrets[key] = restoredSecrets
	return nil
}

// ReleaseGroupSnapshot discards a captured snapshot without restoring it,
// used once a commit race resolves in favor of the state already applied.
func (s *Store) ReleaseGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupID.String()
	if byLabel, ok := s.snapshots[key]; ok {
		delete(byLabel, label)
	}
	return nil
}

// ListGroupSnapshots returns the labels of snapshots currently retained for
// a group.
func (s *Store) ListGroupSnapshots(ctx context.Context, groupID models.GroupId) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byLabel := s.snapshots[groupID.String()]
	out := make([]string, 0, len(byLabel))
	for label := range byLabel {
		out = append(out, label)
	}
	sort.Strings(out)
	return out, nil
}

// PruneGroupSnapshots discards every snapshot captured before olderThanUnix
// across all groups.
func (s *Store) PruneGroupSnapshots(ctx context.Context, olderThanUnix int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	discarded := 0
	for key, byLabel := range s.snapshots {
		for label, snap := range byLabel {
			if snap.takenAtUnix < olderThanUnix {
				delete(byLabel, label)
				discarded++
			}
		}
		if len(byLabel) == 0 {
			delete(s.snapshots, key)
		}
	}
	return discarded, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
