package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"roomchat/internal/chat"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	maxHistoryLimit      = 200
)

// Store wraps the SQLite handle. It is the user directory, the room directory
// and the message store of the chat core.
type Store struct {
	db *sql.DB
}

var (
	_ chat.UserDirectory = (*Store)(nil)
	_ chat.RoomDirectory = (*Store)(nil)
	_ chat.MessageStore  = (*Store)(nil)
)

// ErrRoomExists is returned when creating a room whose name is taken.
var ErrRoomExists = errors.New("room already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "roomchat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			identity TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref TEXT NOT NULL DEFAULT '',
			default_room TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS user_rooms (
			identity TEXT NOT NULL,
			room TEXT NOT NULL,
			PRIMARY KEY (identity, room),
			FOREIGN KEY(identity) REFERENCES users(identity) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room TEXT NOT NULL,
			from_identity TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_room_id ON messages(room, id);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id INTEGER NOT NULL,
			identity TEXT NOT NULL,
			PRIMARY KEY (message_id, identity),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertUser creates or replaces a user together with the set of rooms they
// may join.
func (s *Store) UpsertUser(ctx context.Context, p chat.Profile) (err error) {
	identity := strings.TrimSpace(p.Identity)
	if identity == "" {
		return errors.New("identity is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO users(identity, display_name, avatar_ref, default_room) VALUES(?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			default_room = excluded.default_room
	`, identity, p.DisplayName, p.AvatarRef, p.DefaultRoom); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM user_rooms WHERE identity = ?`, identity); err != nil {
		return err
	}
	for _, room := range p.AllowedRooms {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO user_rooms(identity, room) VALUES(?, ?)`, identity, room); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetProfile loads a user and their allowed rooms, sorted by name.
func (s *Store) GetProfile(ctx context.Context, identity string) (chat.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT identity, display_name, avatar_ref, default_room FROM users WHERE identity = ?`, identity)
	var p chat.Profile
	if err := row.Scan(&p.Identity, &p.DisplayName, &p.AvatarRef, &p.DefaultRoom); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Profile{}, chat.ErrNotFound
		}
		return chat.Profile{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT room FROM user_rooms WHERE identity = ? ORDER BY room ASC`, identity)
	if err != nil {
		return chat.Profile{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return chat.Profile{}, err
		}
		p.AllowedRooms = append(p.AllowedRooms, room)
	}
	return p, rows.Err()
}

// CreateRoom inserts a room. ErrRoomExists is returned on conflicts.
func (s *Store) CreateRoom(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("room name is required")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO rooms(name) VALUES(?)`, name); err != nil {
		if isConstraintError(err) {
			return ErrRoomExists
		}
		return err
	}
	return nil
}

// DeleteRoom removes a room; its messages stay. chat.ErrNotFound is returned
// when no room has that name.
func (s *Store) DeleteRoom(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (s *Store) GetRoomByName(ctx context.Context, name string) (chat.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, created_at FROM rooms WHERE name = ?`, name)
	var room chat.Room
	if err := row.Scan(&room.Name, &room.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Room{}, chat.ErrNotFound
		}
		return chat.Room{}, err
	}
	return room, nil
}

// CreateMessage stores a message with the caller's timestamp and returns it
// with the assigned id.
func (s *Store) CreateMessage(ctx context.Context, content, fromIdentity, room string, ts time.Time) (chat.Message, error) {
	ts = ts.UTC()
	result, err := s.db.ExecContext(ctx, `INSERT INTO messages(room, from_identity, content, created_at) VALUES(?, ?, ?, ?)`,
		room, fromIdentity, content, ts)
	if err != nil {
		return chat.Message{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return chat.Message{}, err
	}
	return chat.Message{
		ID:           id,
		Room:         room,
		FromIdentity: fromIdentity,
		Content:      content,
		CreatedAt:    ts,
		ReadBy:       []string{},
	}, nil
}

// MarkRead records identity as a reader of messageID. Repeated calls are
// harmless. chat.ErrNotFound is returned for unknown messages.
func (s *Store) MarkRead(ctx context.Context, messageID int64, identity string) (readers []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		err = chat.ErrNotFound
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_reads(message_id, identity) VALUES(?, ?)`, messageID, identity); err != nil {
		return nil, err
	}
	readers, err = readersTx(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	return readers, tx.Commit()
}

func readersTx(ctx context.Context, tx *sql.Tx, messageID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT identity FROM message_reads WHERE message_id = ? ORDER BY identity ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	readers := make([]string, 0)
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, err
		}
		readers = append(readers, identity)
	}
	return readers, rows.Err()
}

// ListMessages returns up to limit messages of room older than beforeID
// (0 means newest), in ascending id order, with their readers.
func (s *Store) ListMessages(ctx context.Context, room string, limit int, beforeID int64) ([]chat.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = 50
	}
	query := `SELECT id, room, from_identity, content, created_at FROM messages WHERE room = ?`
	args := []any{room}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.FromIdentity, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.ReadBy = []string{}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if err := s.attachReaders(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) attachReaders(ctx context.Context, messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	index := make(map[int64]int, len(messages))
	for i, m := range messages {
		index[m.ID] = i
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, identity FROM message_reads
		WHERE message_id BETWEEN ? AND ?
		ORDER BY message_id, identity
	`, messages[0].ID, messages[len(messages)-1].ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var identity string
		if err := rows.Scan(&id, &identity); err != nil {
			return err
		}
		if i, ok := index[id]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, identity)
		}
	}
	return rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
