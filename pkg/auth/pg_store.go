package auth

import (
	"context"
	"fmt"

	pg "github.com/edgeflare/tableapi/pkg/pgx"
	"github.com/edgeflare/tableapi/pkg/query"
	"github.com/jackc/pgx/v5"
)

// DefaultTokenTable is the table PgStore uses when none is configured.
const DefaultTokenTable = "api_tokens"

// ChangeChannel is the notification channel PgStore signals after every
// create or revoke.
const ChangeChannel = "tableapi_tokens_changed"

// PgStore keeps records in a PostgreSQL table. Every operation is a single
// statement, so no read-modify-write cycle exists.
type PgStore struct {
	conn  pg.Conn
	table string // quoted, schema-qualified
}

// NewPgStore returns a store over schema.table.
func NewPgStore(conn pg.Conn, schema, table string) (*PgStore, error) {
	if table == "" {
		table = DefaultTokenTable
	}
	ident, err := query.QualifiedIdent(schema, table)
	if err != nil {
		return nil, err
	}
	return &PgStore{conn: conn, table: ident}, nil
}

// EnsureSchema creates the token table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		token       TEXT PRIMARY KEY,
		username    TEXT NOT NULL DEFAULT '',
		permissions TEXT[] NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create token table: %w", err)
	}
	return nil
}

func (s *PgStore) Snapshot(ctx context.Context) (map[string]Record, error) {
	var tokens map[string]Record
	err := pg.Retry(ctx, pg.DefaultMaxRetries, func() error {
		var err error
		tokens, err = s.snapshot(ctx)
		return err
	})
	return tokens, err
}

func (s *PgStore) snapshot(ctx context.Context) (map[string]Record, error) {
	rows, err := s.conn.Query(ctx, `SELECT token, username, permissions FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	tokens := make(map[string]Record)
	for rows.Next() {
		var token, user string
		var perms []string
		if err := rows.Scan(&token, &user, &perms); err != nil {
			return nil, err
		}
		rec := Record{User: user, Permissions: make([]Permission, 0, len(perms))}
		for _, p := range perms {
			perm, err := ParsePermission(p)
			if err != nil {
				return nil, fmt.Errorf("token record for %s: %w", user, err)
			}
			rec.Permissions = append(rec.Permissions, perm)
		}
		tokens[token] = rec
	}
	return tokens, rows.Err()
}

func (s *PgStore) Create(ctx context.Context, token string, rec Record) error {
	perms := make([]string, len(rec.Permissions))
	for i, p := range rec.Permissions {
		perms[i] = p.String()
	}
	_, err := s.conn.Exec(ctx, `INSERT INTO `+s.table+` (token, username, permissions) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET username = EXCLUDED.username, permissions = EXCLUDED.permissions`,
		token, rec.User, perms)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	s.notify(ctx)
	return nil
}

func (s *PgStore) Revoke(ctx context.Context, token string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM `+s.table+` WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	s.notify(ctx)
	return nil
}

// notify tells watching processes the token set changed. A lost
// notification only delays revocation until the next TTL refresh.
func (s *PgStore) notify(ctx context.Context) {
	_, _ = s.conn.Exec(ctx, "SELECT pg_notify($1, '')", ChangeChannel)
}

// Watch calls onChange for every change notification until ctx is
// cancelled or conn fails. conn is dedicated to listening.
func Watch(ctx context.Context, conn *pgx.Conn, onChange func()) error {
	notifications, errs := pg.Listen(ctx, conn, ChangeChannel)
	for range notifications {
		onChange()
	}
	if err, ok := <-errs; ok {
		return err
	}
	return ctx.Err()
}
