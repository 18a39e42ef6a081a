package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/model/roster"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver string
	DSN    string
}

// SQLStore persists messages and serves the group roster and user directory
// from PostgreSQL or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

func NewSQLStore(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*SQLStore, error) {
	var schemaFile string
	switch config.Driver {
	case DriverPostgres:
		schemaFile = "schema_postgres.sql"
	case DriverSQLite:
		schemaFile = "schema_sqlite.sql"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if config.Driver == DriverSQLite {
		// one connection keeps ":memory:" databases shared and serialises writers
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	store := &SQLStore{db: db, driver: config.Driver, logger: logger}
	if err := store.initializeSchema(ctx, schemaFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("database ready", zap.String("driver", config.Driver))
	return store, nil
}

func (s *SQLStore) initializeSchema(ctx context.Context, file string) error {
	migrationSQL, err := migrations.ReadFile(file)
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLStore) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	mentions, err := json.Marshal(msg.Mentions)
	if err != nil {
		return chat.Message{}, fmt.Errorf("error encoding mentions: %w", err)
	}
	msg.CreatedAt = time.Now().UTC()

	query := s.rebind(`
		INSERT INTO messages (room_key, sender_id, body, is_ai_generated, ai_requested, mentions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err = s.db.QueryRowContext(ctx, query,
		string(msg.RoomKey),
		msg.SenderID,
		msg.Body,
		msg.IsAIGenerated,
		msg.AIRequested,
		string(mentions),
		msg.CreatedAt.UnixNano(),
	).Scan(&msg.ID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("error appending message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) RecentHistory(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error) {
	inner := `SELECT id, room_key, sender_id, body, is_ai_generated, ai_requested, mentions, created_at
		FROM messages WHERE room_key = ? ORDER BY id DESC`
	args := []any{string(room)}
	if limit > 0 {
		inner += ` LIMIT ?`
		args = append(args, limit)
	}
	query := s.rebind(`SELECT id, room_key, sender_id, body, is_ai_generated, ai_requested, mentions, created_at
		FROM (` + inner + `) recent ORDER BY id ASC`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var (
			msg       chat.Message
			roomKey   string
			mentions  string
			createdAt int64
		)
		if err := rows.Scan(
			&msg.ID,
			&roomKey,
			&msg.SenderID,
			&msg.Body,
			&msg.IsAIGenerated,
			&msg.AIRequested,
			&mentions,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.RoomKey = chat.RoomKey(roomKey)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(mentions), &msg.Mentions); err != nil {
			s.logger.Warn("dropping unreadable mentions", zap.Int64("message_id", msg.ID), zap.Error(err))
			msg.Mentions = nil
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return messages, nil
}

func (s *SQLStore) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT group_id FROM chat_group_members WHERE user_id = ? ORDER BY group_id`, userID)
}

func (s *SQLStore) MembersOf(ctx context.Context, groupID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT user_id FROM chat_group_members WHERE group_id = ? ORDER BY user_id`, groupID)
}

func (s *SQLStore) queryIDs(ctx context.Context, query string, arg int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("error querying roster: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning roster row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) ResolveHandles(ctx context.Context, handles []string) (map[string]int64, error) {
	resolved := make(map[string]int64)
	if len(handles) == 0 {
		return resolved, nil
	}

	args := make([]any, len(handles))
	for i, h := range handles {
		args[i] = strings.ToLower(h)
	}
	query := s.rebind(`SELECT id, lower(username) FROM users WHERE lower(username) IN (` + placeholders(len(args)) + `)`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error resolving handles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       int64
			username string
		)
		if err := rows.Scan(&id, &username); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		resolved[username] = id
	}
	return resolved, rows.Err()
}

func (s *SQLStore) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := s.rebind(`SELECT id, name FROM users WHERE id IN (` + placeholders(len(args)) + `)`)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error loading display names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("error scanning user: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// ImportRoster inserts users, groups and memberships that are not present yet.
func (s *SQLStore) ImportRoster(ctx context.Context, users []roster.User, groups []roster.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting roster import: %w", err)
	}
	defer tx.Rollback()

	for _, u := range users {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO users (id, username, name) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			u.ID, u.Username, u.Name); err != nil {
			return fmt.Errorf("error importing user %d: %w", u.ID, err)
		}
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO chat_groups (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`),
			g.ID, g.Name); err != nil {
			return fmt.Errorf("error importing group %d: %w", g.ID, err)
		}
		for _, member := range g.Members {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO chat_group_members (group_id, user_id) VALUES (?, ?) ON CONFLICT (group_id, user_id) DO NOTHING`),
				g.ID, member); err != nil {
				return fmt.Errorf("error importing member %d of group %d: %w", member, g.ID, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
