// Package sqlite implements storage.Provider on a single-file SQLite
// database, the durable backend for clients that need state to survive a
// restart. It follows the teacher's migration approach (golang-migrate
// against an embedded source) but speaks directly to database/sql with
// mattn/go-sqlite3 rather than through a connection-pool wrapper, since a
// single-file SQLite database has no pool to manage.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nostr-mls/mdk/internal/mlserr"
	"github.com/nostr-mls/mdk/internal/models"
	"github.com/nostr-mls/mdk/internal/storage"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the durable storage.Provider backed by a single SQLite file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if necessary) a SQLite database at path and runs
// pending migrations. path may be ":memory:" for an ephemeral, process-local
// database that still exercises the SQL code path in tests.
//
// A brand-new file is pre-created with O_CREAT|O_EXCL so two processes can
// never race to initialize the same path, and both the containing
// directory and the file are restricted to owner-only access since the
// database holds exporter secrets and image keys.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, mlserr.Database("creating database directory", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if createErr != nil && !os.IsExist(createErr) {
				return nil, mlserr.Database("pre-creating database file", createErr)
			}
			if f != nil {
				f.Close()
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mlserr.Database("opening sqlite database", err)
	}
	db.SetMaxOpenConns(1) // a single writer; sqlite3 serializes writes anyway

	if err := migrateUp(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite storage opened", slog.String("path", path))
	return &Store{db: db, path: path, logger: logger}, nil
}

func migrateUp(db *sql.DB, logger *slog.Logger) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return mlserr.Database("creating migration driver", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return mlserr.Database("creating migration source", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return mlserr.Database("creating migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return mlserr.Database("running migrations", err)
	}
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNoChange {
		return mlserr.Database("reading migration version", err)
	}
	logger.Info("sqlite migrations complete", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Provider = (*Store)(nil)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", mlserr.Database("marshaling json column", err)
	}
	return string(b), nil
}

func unmarshalJSONInto(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return mlserr.Database("unmarshaling json column", err)
	}
	return nil
}

// SaveGroup upserts a group row. The nostr_group_id UNIQUE constraint
// enforces the 1:1 mapping at the database level; field sizes are
// enforced here against the Provider's own limits.
func (s *Store) SaveGroup(ctx context.Context, g *models.Group) error {
	if err := storage.ValidateGroupFields(g); err != nil {
		return err
	}

	admins, err := marshalJSON(g.AdminPubkeys)
	if err != nil {
		return err
	}

	var imageKey []byte
	if g.ImageKey != nil {
		imageKey = g.ImageKey.Expose()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (mls_group_id, nostr_group_id, name, description, admin_pubkeys,
			last_message_id, last_message_at, last_message_processed_at, epoch, state,
			image_hash, image_key, image_nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mls_group_id) DO UPDATE SET
			nostr_group_id = excluded.nostr_group_id,
			name = excluded.name,
			description = excluded.description,
			admin_pubkeys = excluded.admin_pubkeys,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at,
			last_message_processed_at = excluded.last_message_processed_at,
			epoch = excluded.epoch,
			state = excluded.state,
			image_hash = excluded.image_hash,
			image_key = excluded.image_key,
			image_nonce = excluded.image_nonce
	`,
		[]byte(g.MlsGroupId), g.NostrGroupId[:], g.Name, g.Description, admins,
		g.LastMessageId, g.LastMessageAt, g.LastMessageProcessedAt, g.Epoch, string(g.State),
		g.ImageHash, imageKey, g.ImageNonce,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return mlserr.InvalidParameters("nostr group id %s already bound to a different group", g.NostrGroupId.Hex())
		}
		return mlserr.Database("saving group", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanGroup(row interface {
	Scan(dest ...any) error
}) (*models.Group, error) {
	var g models.Group
	var mlsGroupID, nostrGroupID []byte
	var admins string
	var state string
	var imageKey []byte

	err := row.Scan(&mlsGroupID, &nostrGroupID, &g.Name, &g.Description, &admins,
		&g.LastMessageId, &g.LastMessageAt, &g.LastMessageProcessedAt, &g.Epoch, &state,
		&g.ImageHash, &imageKey, &g.ImageNonce)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, mlserr.Database("scanning group row", err)
	}

	g.MlsGroupId = models.GroupId(mlsGroupID)
	copy(g.NostrGroupId[:], nostrGroupID)
	g.State = models.GroupState(state)
	if err := unmarshalJSONInto(admins, &g.AdminPubkeys); err != nil {
		return nil, err
	}
	if imageKey != nil {
		secret := models.NewSecret(imageKey)
		g.ImageKey = &secret
	}
	return &g, nil
}

const groupColumns = `mls_group_id, nostr_group_id, name, description, admin_pubkeys,
	last_message_id, last_message_at, last_message_processed_at, epoch, state,
	image_hash, image_key, image_nonce`

// GetGroup returns the stored group by its MLS identifier.
func (s *Store) GetGroup(ctx context.Context, id models.GroupId) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE mls_group_id = ?", []byte(id))
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, mlserr.GroupNotFound(id.String())
	}
	return g, err
}

// GetGroupByNostrID resolves a group via its relay-visible identifier.
func (s *Store) GetGroupByNostrID(ctx context.Context, id models.NostrGroupId) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE nostr_group_id = ?", id[:])
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, mlserr.GroupNotFound(id.Hex())
	}
	return g, err
}

// ListGroups returns every stored group ordered by MlsGroupId.
func (s *Store) ListGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+groupColumns+" FROM groups ORDER BY mls_group_id ASC")
	if err != nil {
		return nil, mlserr.Database("listing groups", err)
	}
	defer rows.Close()

	var out []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ReplaceRelays atomically swaps a group's relay set, enforcing the
// Provider's per-group relay count and per-URL length limits.
func (s *Store) ReplaceRelays(ctx context.Context, id models.GroupId, relays []string) error {
	if err := storage.ValidateRelays(relays); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mlserr.Database("beginning relay replacement", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM group_relays WHERE mls_group_id = ?", []byte(id)); err != nil {
		return mlserr.Database("clearing relays", err)
	}
	for i, relay := range relays {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO group_relays (mls_group_id, relay_url, position) VALUES (?, ?, ?)",
			[]byte(id), relay, i); err != nil {
			return mlserr.Database("inserting relay", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return mlserr.Database("committing relay replacement", err)
	}
	return nil
}

// GetRelays returns a group's relay set in insertion order.
func (s *Store) GetRelays(ctx context.Context, id models.GroupId) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT relay_url FROM group_relays WHERE mls_group_id = ? ORDER BY position ASC", []byte(id))
	if err != nil {
		return nil, mlserr.Database("listing relays", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, mlserr.Database("scanning relay row", err)
		}
		out = append(out, url)
	}
	return out, rows.Err()
}

const messageColumns = `mls_group_id, id, pubkey, kind, created_at, processed_at, content, tags, event, wrapper_event_id, epoch, state`

func scanMessage(row interface{ Scan(dest ...any) error }) (*models.Message, error) {
	var m models.Message
	var groupID []byte
	var tags, event string
	var state string

	err := row.Scan(&groupID, &m.Id, &m.Pubkey, &m.Kind, &m.CreatedAt, &m.ProcessedAt,
		&m.Content, &tags, &event, &m.WrapperEventId, &m.Epoch, &state)
	if err != nil {
		return nil, err
	}
	m.MlsGroupId = models.GroupId(groupID)
	m.Tags = json.RawMessage(tags)
	m.Event = json.RawMessage(event)
	m.State = models.MessageState(state)
	return &m, nil
}

// SaveMessage upserts a message keyed by (group, rumor id) and advances the
// group's last-message pointer within the same transaction.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) error {
	if err := storage.ValidateMessageFields(m); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mlserr.Database("beginning message save", err)
	}
	defer tx.Rollback()

	tags := m.Tags
	if tags == nil {
		tags = json.RawMessage("[]")
	}
	event := m.Event
	if event == nil {
		event = json.RawMessage("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mls_group_id, id) DO UPDATE SET
			pubkey = excluded.pubkey, kind = excluded.kind, created_at = excluded.created_at,
			processed_at = excluded.processed_at, content = excluded.content, tags = excluded.tags,
			event = excluded.event, wrapper_event_id = excluded.wrapper_event_id,
			epoch = excluded.epoch, state = excluded.state
	`,
		[]byte(m.MlsGroupId), m.Id, m.Pubkey, m.Kind, m.CreatedAt, m.ProcessedAt,
		m.Content, string(tags), string(event), m.WrapperEventId, m.Epoch, string(m.State),
	)
	if err != nil {
		return mlserr.Database("saving message", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE mls_group_id = ?", []byte(m.MlsGroupId))
	g, err := scanGroup(row)
	if err == nil {
		g.UpdateLastMessage(m.Id, m.CreatedAt, m.ProcessedAt)
		admins, marshalErr := marshalJSON(g.AdminPubkeys)
		if marshalErr != nil {
			return marshalErr
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE groups SET last_message_id = ?, last_message_at = ?, last_message_processed_at = ?, admin_pubkeys = ?
			WHERE mls_group_id = ?
		`, g.LastMessageId, g.LastMessageAt, g.LastMessageProcessedAt, admins, []byte(m.MlsGroupId)); err != nil {
			return mlserr.Database("updating last message pointer", err)
		}
	} else if err != sql.ErrNoRows {
		return mlserr.Database("loading group for last-message update", err)
	}

	if err := tx.Commit(); err != nil {
		return mlserr.Database("committing message save", err)
	}
	return nil
}

// GetMessage returns a single message by its rumor id within a group.
func (s *Store) GetMessage(ctx context.Context, groupID models.GroupId, rumorID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE mls_group_id = ? AND id = ?", []byte(groupID), rumorID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, mlserr.NotFound("message", rumorID)
	}
	if err != nil {
		return nil, mlserr.Database("scanning message", err)
	}
	return m, nil
}

// escapeLike escapes SQLite LIKE metacharacters so a tag-content filter is
// matched literally rather than as a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListMessages returns messages for a group under the requested ordering,
// optionally narrowed by a tag filter, paginated by opts.Limit/Offset.
func (s *Store) ListMessages(ctx context.Context, groupID models.GroupId, opts storage.ListOptions, filter *storage.TagFilter) ([]*models.Message, error) {
	if err := storage.ValidatePageLimit(opts.Limit); err != nil {
		return nil, err
	}

	query := "SELECT " + messageColumns + " FROM messages WHERE mls_group_id = ?"
	args := []any{[]byte(groupID)}

	if filter != nil {
		query += " AND tags LIKE ? ESCAPE '\\' AND tags LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(filter.TagName)+"%", "%"+escapeLike(filter.Value)+"%")
	}

	if opts.Order == models.ProcessedAtFirst {
		query += " ORDER BY processed_at DESC, created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at DESC, processed_at DESC, id DESC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mlserr.Database("listing messages", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mlserr.Database("scanning message row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
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
	var groupID []byte
	if pm.MlsGroupId != nil {
		groupID = []byte(*pm.MlsGroupId)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (wrapper_event_id, message_event_id, processed_at, epoch, mls_group_id, state, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wrapper_event_id) DO UPDATE SET
			message_event_id = excluded.message_event_id, processed_at = excluded.processed_at,
			epoch = excluded.epoch, mls_group_id = excluded.mls_group_id,
			state = excluded.state, failure_reason = excluded.failure_reason
	`, pm.WrapperEventId, pm.MessageEventId, pm.ProcessedAt, pm.Epoch, groupID, string(pm.State), pm.FailureReason)
	if err != nil {
		return mlserr.Database("saving processed message", err)
	}
	return nil
}

func scanProcessedMessage(row interface{ Scan(dest ...any) error }) (*models.ProcessedMessage, error) {
	var pm models.ProcessedMessage
	var groupID []byte
	var state string
	if err := row.Scan(&pm.WrapperEventId, &pm.MessageEventId, &pm.ProcessedAt, &pm.Epoch, &groupID, &state, &pm.FailureReason); err != nil {
		return nil, err
	}
	if groupID != nil {
		gid := models.GroupId(groupID)
		pm.MlsGroupId = &gid
	}
	pm.State = models.ProcessedMessageState(state)
	return &pm, nil
}

const processedMessageColumns = `wrapper_event_id, message_event_id, processed_at, epoch, mls_group_id, state, failure_reason`

// GetProcessedMessage looks up a prior processing outcome by wrapper event id.
func (s *Store) GetProcessedMessage(ctx context.Context, wrapperEventID string) (*models.ProcessedMessage, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+processedMessageColumns+" FROM processed_messages WHERE wrapper_event_id = ?", wrapperEventID)
	pm, err := scanProcessedMessage(row)
	if err == sql.ErrNoRows {
		return nil, mlserr.NotFound("processed message", wrapperEventID)
	}
	if err != nil {
		return nil, mlserr.Database("scanning processed message", err)
	}
	return pm, nil
}

// SaveWelcome records a pending (or updated) welcome.
func (s *Store) SaveWelcome(ctx context.Context, w *models.Welcome) error {
	relays, err := marshalJSON(w.GroupRelays)
	if err != nil {
		return err
	}
	members, err := marshalJSON(w.MemberPubkeys)
	if err != nil {
		return err
	}
	admins, err := marshalJSON(w.AdminPubkeys)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO welcomes (wrapper_event_id, welcomer_pubkey, nostr_group_id, mls_group_id, group_name,
			group_relays, member_pubkeys, admin_pubkeys, accepted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wrapper_event_id) DO UPDATE SET
			welcomer_pubkey = excluded.welcomer_pubkey, nostr_group_id = excluded.nostr_group_id,
			mls_group_id = excluded.mls_group_id, group_name = excluded.group_name,
			group_relays = excluded.group_relays, member_pubkeys = excluded.member_pubkeys,
			admin_pubkeys = excluded.admin_pubkeys, accepted = excluded.accepted
	`, w.WrapperEventId, w.WelcomerPubkey, w.NostrGroupId[:], []byte(w.MlsGroupId), w.GroupName,
		relays, members, admins, w.Accepted)
	if err != nil {
		return mlserr.Database("saving welcome", err)
	}
	return nil
}

const welcomeColumns = `wrapper_event_id, welcomer_pubkey, nostr_group_id, mls_group_id, group_name, group_relays, member_pubkeys, admin_pubkeys, accepted`

func scanWelcome(row interface{ Scan(dest ...any) error }) (*models.Welcome, error) {
	var w models.Welcome
	var nostrGroupID, mlsGroupID []byte
	var relays, members, admins string

	if err := row.Scan(&w.WrapperEventId, &w.WelcomerPubkey, &nostrGroupID, &mlsGroupID, &w.GroupName,
		&relays, &members, &admins, &w.Accepted); err != nil {
		return nil, err
	}
	copy(w.NostrGroupId[:], nostrGroupID)
	w.MlsGroupId = models.GroupId(mlsGroupID)
	if err := unmarshalJSONInto(relays, &w.GroupRelays); err != nil {
		return nil, err
	}
	if err := unmarshalJSONInto(members, &w.MemberPubkeys); err != nil {
		return nil, err
	}
	if err := unmarshalJSONInto(admins, &w.AdminPubkeys); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWelcome looks up a welcome by its wrapper event id.
func (s *Store) GetWelcome(ctx context.Context, wrapperEventID string) (*models.Welcome, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+welcomeColumns+" FROM welcomes WHERE wrapper_event_id = ?", wrapperEventID)
	w, err := scanWelcome(row)
	if err == sql.ErrNoRows {
		return nil, mlserr.NotFound("welcome", wrapperEventID)
	}
	if err != nil {
		return nil, mlserr.Database("scanning welcome", err)
	}
	return w, nil
}

// ListPendingWelcomes returns welcomes that have not yet been accepted or
// declined.
func (s *Store) ListPendingWelcomes(ctx context.Context) ([]*models.Welcome, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+welcomeColumns+" FROM welcomes WHERE accepted = 0 ORDER BY wrapper_event_id ASC")
	if err != nil {
		return nil, mlserr.Database("listing pending welcomes", err)
	}
	defer rows.Close()

	var out []*models.Welcome
	for rows.Next() {
		w, err := scanWelcome(rows)
		if err != nil {
			return nil, mlserr.Database("scanning welcome row", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SaveProcessedWelcome records the outcome of handling one giftwrapped welcome.
func (s *Store) SaveProcessedWelcome(ctx context.Context, pw *models.ProcessedWelcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_welcomes (wrapper_event_id, processed_at, state, failure_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wrapper_event_id) DO UPDATE SET
			processed_at = excluded.processed_at, state = excluded.state, failure_reason = excluded.failure_reason
	`, pw.WrapperEventId, pw.ProcessedAt, string(pw.State), pw.FailureReason)
	if err != nil {
		return mlserr.Database("saving processed welcome", err)
	}
	return nil
}

// GetProcessedWelcome looks up a prior welcome-processing outcome.
func (s *Store) GetProcessedWelcome(ctx context.Context, wrapperEventID string) (*models.ProcessedWelcome, error) {
	var pw models.ProcessedWelcome
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT wrapper_event_id, processed_at, state, failure_reason FROM processed_welcomes WHERE wrapper_event_id = ?",
		wrapperEventID).Scan(&pw.WrapperEventId, &pw.ProcessedAt, &state, &pw.FailureReason)
	if err == sql.ErrNoRows {
		return nil, mlserr.NotFound("processed welcome", wrapperEventID)
	}
	if err != nil {
		return nil, mlserr.Database("scanning processed welcome", err)
	}
	pw.State = models.ProcessedWelcomeState(state)
	return &pw, nil
}

// SaveExporterSecret stores the per-(group, epoch) media key.
func (s *Store) SaveExporterSecret(ctx context.Context, sec *models.GroupExporterSecret) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exporter_secrets (mls_group_id, epoch, secret) VALUES (?, ?, ?)
		ON CONFLICT(mls_group_id, epoch) DO UPDATE SET secret = excluded.secret
	`, []byte(sec.MlsGroupId), sec.Epoch, sec.Secret.Expose())
	if err != nil {
		return mlserr.Database("saving exporter secret", err)
	}
	return nil
}

// GetExporterSecret returns the exporter secret for a specific epoch.
func (s *Store) GetExporterSecret(ctx context.Context, groupID models.GroupId, epoch uint64) (*models.GroupExporterSecret, error) {
	var secret []byte
	err := s.db.QueryRowContext(ctx, "SELECT secret FROM exporter_secrets WHERE mls_group_id = ? AND epoch = ?",
		[]byte(groupID), epoch).Scan(&secret)
	if err == sql.ErrNoRows {
		return nil, mlserr.NotFound("exporter secret", groupID.String())
	}
	if err != nil {
		return nil, mlserr.Database("scanning exporter secret", err)
	}
	return &models.GroupExporterSecret{MlsGroupId: groupID, Epoch: epoch, Secret: models.NewSecret(secret)}, nil
}

// ListExporterSecretsDescending returns every known exporter secret for a
// group, most recent epoch first.
func (s *Store) ListExporterSecretsDescending(ctx context.Context, groupID models.GroupId) ([]*models.GroupExporterSecret, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT epoch, secret FROM exporter_secrets WHERE mls_group_id = ? ORDER BY epoch DESC", []byte(groupID))
	if err != nil {
		return nil, mlserr.Database("listing exporter secrets", err)
	}
	defer rows.Close()

	var out []*models.GroupExporterSecret
	for rows.Next() {
		var epoch uint64
		var secret []byte
		if err := rows.Scan(&epoch, &secret); err != nil {
			return nil, mlserr.Database("scanning exporter secret row", err)
		}
		out = append(out, &models.GroupExporterSecret{MlsGroupId: groupID, Epoch: epoch, Secret: models.NewSecret(secret)})
	}
	return out, rows.Err()
}

// InvalidateEpoch marks every message and processed message past afterEpoch
// as invalidated, returning the affected wrapper event ids.
func (s *Store) InvalidateEpoch(ctx context.Context, groupID models.GroupId, afterEpoch uint64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mlserr.Database("beginning epoch invalidation", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT wrapper_event_id FROM messages WHERE mls_group_id = ? AND epoch IS NOT NULL AND epoch > ?",
		[]byte(groupID), afterEpoch)
	if err != nil {
		return nil, mlserr.Database("selecting messages to invalidate", err)
	}
	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mlserr.Database("scanning invalidated message id", err)
		}
		affected = append(affected, id)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET state = ? WHERE mls_group_id = ? AND epoch IS NOT NULL AND epoch > ?",
		string(models.MessageStateEpochInvalidated), []byte(groupID), afterEpoch); err != nil {
		return nil, mlserr.Database("invalidating messages", err)
	}

	pmRows, err := tx.QueryContext(ctx,
		"SELECT wrapper_event_id FROM processed_messages WHERE mls_group_id = ? AND epoch IS NOT NULL AND epoch > ?",
		[]byte(groupID), afterEpoch)
	if err != nil {
		return nil, mlserr.Database("selecting processed messages to invalidate", err)
	}
	for pmRows.Next() {
		var id string
		if err := pmRows.Scan(&id); err != nil {
			pmRows.Close()
			return nil, mlserr.Database("scanning invalidated processed message id", err)
		}
		affected = append(affected, id)
	}
	pmRows.Close()

	if _, err := tx.ExecContext(ctx,
		"UPDATE processed_messages SET state = ? WHERE mls_group_id = ? AND epoch IS NOT NULL AND epoch > ?",
		string(models.ProcessedMessageStateEpochInvalidated), []byte(groupID), afterEpoch); err != nil {
		return nil, mlserr.Database("invalidating processed messages", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mlserr.Database("committing epoch invalidation", err)
	}
	sort.Strings(affected)
	return affected, nil
}

// MarkRetryable transitions a single Failed processed message to retryable,
// leaving any other state untouched.
func (s *Store) MarkRetryable(ctx context.Context, wrapperEventID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE processed_messages SET state = ? WHERE wrapper_event_id = ? AND state = ?",
		string(models.ProcessedMessageStateRetryable), wrapperEventID, string(models.ProcessedMessageStateFailed))
	if err != nil {
		return mlserr.Database("marking message retryable", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return mlserr.InvalidParameters("processed message %s is not Failed", wrapperEventID)
	}
	return nil
}

// ScanFailedRetryable marks every Failed processed message with no recorded
// epoch as retryable, regardless of which group (if any) it was attributed
// to, and returns the wrapper event ids transitioned.
func (s *Store) ScanFailedRetryable(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mlserr.Database("beginning failed-retry scan", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT wrapper_event_id FROM processed_messages WHERE state = ? AND epoch IS NULL",
		string(models.ProcessedMessageStateFailed))
	if err != nil {
		return nil, mlserr.Database("selecting failed rows to retry", err)
	}
	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mlserr.Database("scanning failed-retry row id", err)
		}
		affected = append(affected, id)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		"UPDATE processed_messages SET state = ? WHERE state = ? AND epoch IS NULL",
		string(models.ProcessedMessageStateRetryable), string(models.ProcessedMessageStateFailed)); err != nil {
		return nil, mlserr.Database("marking failed rows retryable", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mlserr.Database("committing failed-retry scan", err)
	}
	sort.Strings(affected)
	return affected, nil
}

// ListRetryable returns processed messages currently marked retryable.
func (s *Store) ListRetryable(ctx context.Context) ([]*models.ProcessedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+processedMessageColumns+" FROM processed_messages WHERE state = ? ORDER BY wrapper_event_id ASC",
		string(models.ProcessedMessageStateRetryable))
	if err != nil {
		return nil, mlserr.Database("listing retryable messages", err)
	}
	defer rows.Close()

	var out []*models.ProcessedMessage
	for rows.Next() {
		pm, err := scanProcessedMessage(rows)
		if err != nil {
			return nil, mlserr.Database("scanning retryable message row", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// snapshotGroup and snapshotSecret mirror models.Group and
// models.GroupExporterSecret with their Secret[[]byte] fields replaced by
// plain byte slices: Secret intentionally fails json.Marshal, so a snapshot
// blob (which must round-trip through encoding/json) carries the exposed
// bytes directly instead of the wrapper type.
type snapshotGroup struct {
	MlsGroupId             []byte   `json:"mls_group_id"`
	NostrGroupId           []byte   `json:"nostr_group_id"`
	Name                   string   `json:"name"`
	Description            string   `json:"description"`
	AdminPubkeys           []string `json:"admin_pubkeys"`
	LastMessageId          *string  `json:"last_message_id,omitempty"`
	LastMessageAt          *int64   `json:"last_message_at,omitempty"`
	LastMessageProcessedAt *int64   `json:"last_message_processed_at,omitempty"`
	Epoch                  uint64   `json:"epoch"`
	State                  string   `json:"state"`
	ImageHash              *string  `json:"image_hash,omitempty"`
	ImageKey               []byte   `json:"image_key,omitempty"`
	ImageNonce             *string  `json:"image_nonce,omitempty"`
}

func toSnapshotGroup(g *models.Group) snapshotGroup {
	sg := snapshotGroup{
		MlsGroupId: []byte(g.MlsGroupId), NostrGroupId: append([]byte(nil), g.NostrGroupId[:]...),
		Name: g.Name, Description: g.Description, AdminPubkeys: g.AdminPubkeys,
		LastMessageId: g.LastMessageId, LastMessageAt: g.LastMessageAt, LastMessageProcessedAt: g.LastMessageProcessedAt,
		Epoch: g.Epoch, State: string(g.State), ImageHash: g.ImageHash, ImageNonce: g.ImageNonce,
	}
	if g.ImageKey != nil {
		sg.ImageKey = g.ImageKey.Expose()
	}
	return sg
}

type snapshotSecret struct {
	Epoch  uint64 `json:"epoch"`
	Secret []byte `json:"secret"`
}

// snapshotPayload is the serialized form of one group's rows, stored as a
// single JSON blob per captured label rather than row-for-row, since a
// snapshot is a point-in-time copy taken and restored as one unit.
type snapshotPayload struct {
	Group             *snapshotGroup              `json:"group"`
	Relays            []string                    `json:"relays"`
	Messages          []*models.Message           `json:"messages"`
	ProcessedMessages []*models.ProcessedMessage  `json:"processed_messages"`
	ExporterSecrets   []snapshotSecret            `json:"exporter_secrets"`
}

// CreateGroupSnapshot takes a copy of every row owned by one group under
// label, so RollbackGroupSnapshot can restore it atomically. The relay and
// exporter-secret rows are read just before the transaction that copies
// the group, message, and processed-message rows, since that transaction
// holds the store's single connection.
func (s *Store) CreateGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	relays, err := s.GetRelays(ctx, groupID)
	if err != nil {
		return err
	}
	secrets, err := s.ListExporterSecretsDescending(ctx, groupID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mlserr.Database("beginning snapshot capture", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM groups WHERE mls_group_id = ?", []byte(groupID))
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return mlserr.GroupNotFound(groupID.String())
	}
	if err != nil {
		return mlserr.Database("loading group for snapshot", err)
	}

	msgRows, err := tx.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE mls_group_id = ?", []byte(groupID))
	if err != nil {
		return mlserr.Database("loading messages for snapshot", err)
	}
	var messages []*models.Message
	for msgRows.Next() {
		m, err := scanMessage(msgRows)
		if err != nil {
			msgRows.Close()
			return mlserr.Database("scanning message for snapshot", err)
		}
		messages = append(messages, m)
	}
	msgRows.Close()

	pmRows, err := tx.QueryContext(ctx, "SELECT "+processedMessageColumns+" FROM processed_messages WHERE mls_group_id = ?", []byte(groupID))
	if err != nil {
		return mlserr.Database("loading processed messages for snapshot", err)
	}
	var processed []*models.ProcessedMessage
	for pmRows.Next() {
		pm, err := scanProcessedMessage(pmRows)
		if err != nil {
			pmRows.Close()
			return mlserr.Database("scanning processed message for snapshot", err)
		}
		processed = append(processed, pm)
	}
	pmRows.Close()

	snapSecrets := make([]snapshotSecret, 0, len(secrets))
	for _, sec := range secrets {
		snapSecrets = append(snapSecrets, snapshotSecret{Epoch: sec.Epoch, Secret: sec.Secret.Expose()})
	}

	sg := toSnapshotGroup(g)
	payload := snapshotPayload{Group: &sg, Relays: relays, Messages: messages, ProcessedMessages: processed, ExporterSecrets: snapSecrets}
	relaysJSON, _ := marshalJSON(payload.Relays)
	groupJSON, err := marshalJSON(payload.Group)
	if err != nil {
		return err
	}
	messagesJSON, err := marshalJSON(payload.Messages)
	if err != nil {
		return err
	}
	processedJSON, err := marshalJSON(payload.ProcessedMessages)
	if err != nil {
		return err
	}
	secretsJSON, err := marshalJSON(payload.ExporterSecrets)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO group_snapshots (mls_group_id, label, taken_at, group_json, relays_json, messages_json, processed_messages_json, exporter_secrets_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mls_group_id, label) DO UPDATE SET
			taken_at = excluded.taken_at, group_json = excluded.group_json, relays_json = excluded.relays_json,
			messages_json = excluded.messages_json, processed_messages_json = excluded.processed_messages_json,
			exporter_secrets_json = excluded.exporter_secrets_json
	`, []byte(groupID), label, time.Now().Unix(), groupJSON, relaysJSON, messagesJSON, processedJSON, secretsJSON)
	if err != nil {
		return mlserr.Database("writing group snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return mlserr.Database("committing group snapshot", err)
	}
	return nil
}

// RollbackGroupSnapshot restores a group's rows to a previously captured
// snapshot, discarding everything written since.
func (s *Store) RollbackGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	var groupJSON, relaysJSON, messagesJSON, processedJSON, secretsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT group_json, relays_json, messages_json, processed_messages_json, exporter_secrets_json FROM group_snapshots WHERE mls_group_id = ? AND label = ?",
		[]byte(groupID), label).Scan(&groupJSON, &relaysJSON, &messagesJSON, &processedJSON, &secretsJSON)
	if err == sql.ErrNoRows {
		return mlserr.NotFound("group snapshot", label)
	}
	if err != nil {
		return mlserr.Database("reading group snapshot", err)
	}

	var payload snapshotPayload
	if err := unmarshalJSONInto(groupJSON, &payload.Group); err != nil {
		return err
	}
	if err := unmarshalJSONInto(relaysJSON, &payload.Relays); err != nil {
		return err
	}
	if err := unmarshalJSONInto(messagesJSON, &payload.Messages); err != nil {
		return err
	}
	if err := unmarshalJSONInto(processedJSON, &payload.ProcessedMessages); err != nil {
		return err
	}
	if err := unmarshalJSONInto(secretsJSON, &payload.ExporterSecrets); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mlserr.Database("beginning snapshot rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE mls_group_id = ?", []byte(groupID)); err != nil {
		return mlserr.Database("clearing messages before rollback", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM processed_messages WHERE mls_group_id = ?", []byte(groupID)); err != nil {
		return mlserr.Database("clearing processed messages before rollback", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM exporter_secrets WHERE mls_group_id = ?", []byte(groupID)); err != nil {
		return mlserr.Database("clearing exporter secrets before rollback", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM group_relays WHERE mls_group_id = ?", []byte(groupID)); err != nil {
		return mlserr.Database("clearing relays before rollback", err)
	}

	if payload.Group != nil {
		admins, err := marshalJSON(payload.Group.AdminPubkeys)
		if err != nil {
			return err
		}
		imageKey := payload.Group.ImageKey
		if _, err := tx.ExecContext(ctx, `
			UPDATE groups SET nostr_group_id = ?, name = ?, description = ?, admin_pubkeys = ?,
				last_message_id = ?, last_message_at = ?, last_message_processed_at = ?, epoch = ?, state = ?,
				image_hash = ?, image_key = ?, image_nonce = ?
			WHERE mls_group_id = ?
		`, payload.Group.NostrGroupId, payload.Group.Name, payload.Group.Description, admins,
			payload.Group.LastMessageId, payload.Group.LastMessageAt, payload.Group.LastMessageProcessedAt,
			payload.Group.Epoch, string(payload.Group.State), payload.Group.ImageHash, imageKey, payload.Group.ImageNonce,
			[]byte(groupID)); err != nil {
			return mlserr.Database("restoring group row", err)
		}
	}

	for i, relay := range payload.Relays {
		if _, err := tx.ExecContext(ctx, "INSERT INTO group_relays (mls_group_id, relay_url, position) VALUES (?, ?, ?)",
			[]byte(groupID), relay, i); err != nil {
			return mlserr.Database("restoring relay row", err)
		}
	}
	for _, m := range payload.Messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, []byte(m.MlsGroupId), m.Id, m.Pubkey, m.Kind, m.CreatedAt, m.ProcessedAt,
			m.Content, string(m.Tags), string(m.Event), m.WrapperEventId, m.Epoch, string(m.State)); err != nil {
			return mlserr.Database("restoring message row", err)
		}
	}
	for _, pm := range payload.ProcessedMessages {
		var groupIDBytes []byte
		if pm.MlsGroupId != nil {
			groupIDBytes = []byte(*pm.MlsGroupId)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processed_messages (`+processedMessageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, pm.WrapperEventId, pm.MessageEventId, pm.ProcessedAt, pm.Epoch, groupIDBytes, string(pm.State), pm.FailureReason); err != nil {
			return mlserr.Database("restoring processed message row", err)
		}
	}
	for _, sec := range payload.ExporterSecrets {
		if _, err := tx.ExecContext(ctx, "INSERT INTO exporter_secrets (mls_group_id, epoch, secret) VALUES (?, ?, ?)",
			[]byte(groupID), sec.Epoch, sec.Secret); err != nil {
			return mlserr.Database("restoring exporter secret row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mlserr.Database("committing snapshot rollback", err)
	}
	return nil
}

// ReleaseGroupSnapshot discards a captured snapshot without restoring it.
func (s *Store) ReleaseGroupSnapshot(ctx context.Context, groupID models.GroupId, label string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM group_snapshots WHERE mls_group_id = ? AND label = ?", []byte(groupID), label)
	if err != nil {
		return mlserr.Database("releasing group snapshot", err)
	}
	return nil
}

// ListGroupSnapshots returns the labels of snapshots currently retained for
// a group.
func (s *Store) ListGroupSnapshots(ctx context.Context, groupID models.GroupId) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT label FROM group_snapshots WHERE mls_group_id = ? ORDER BY label ASC", []byte(groupID))
	if err != nil {
		return nil, mlserr.Database("listing group snapshots", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, mlserr.Database("scanning snapshot label", err)
		}
		out = append(out, label)
	}
	return out, rows.Err()
}

// PruneGroupSnapshots discards every snapshot captured before olderThanUnix
// across all groups.
func (s *Store) PruneGroupSnapshots(ctx context.Context, olderThanUnix int64) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM group_snapshots WHERE taken_at < ?", olderThanUnix)
	if err != nil {
		return 0, mlserr.Database("pruning group snapshots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mlserr.Database("counting pruned snapshots", err)
	}
	return int(n), nil
}
