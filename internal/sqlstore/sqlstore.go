// Package sqlstore implements the accountkeeper contract on top of
// database/sql. The postgres and sqlite backends are thin wrappers that
// supply a driver, migrations and the few dialect differences.
//
// Uniqueness (including name/email cross-field collisions) is enforced by
// the ak_idents table: both identifiers of a user are rows under a single
// primary key, so any collision, racing or not, is rejected by the engine
// itself. UpdateUser runs fetch-mutate-validate-store inside one
// transaction, with a row lock on engines that support it.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/dbx"
	"github.com/dmitrijs2005/accountkeeper/internal/logging"
	"github.com/dmitrijs2005/accountkeeper/internal/pwhash"
	"github.com/dmitrijs2005/accountkeeper/internal/randx"
)

const (
	// DefaultSessionIDBytes is the default for Config.SessionIDBytes.
	DefaultSessionIDBytes = 24

	// DefaultTokenBytes is the default for Config.TokenBytes.
	DefaultTokenBytes = 24
)

// Token purposes in ak_tokens.
const (
	purposeReset    = "reset"
	purposeActivate = "activate"
)

// Config couples an open database handle with the engine-specific pieces a
// Store needs.
type Config struct {
	// DB is the open database handle. The Store takes ownership.
	DB *sql.DB

	// Migrate brings the schema up to date. Must be idempotent; called by
	// Init.
	Migrate func(ctx context.Context, db *sql.DB) error

	// RowLock tells whether the engine supports SELECT ... FOR UPDATE.
	// Engines without it must serialize writers some other way (sqlite:
	// a single pooled connection).
	RowLock bool

	// Rebind rewrites ? placeholders to $1..$n for engines that need it.
	Rebind bool

	// IsUniqueViolation recognizes the engine's unique-constraint error.
	IsUniqueViolation func(error) bool

	// BcryptCost is the bcrypt work factor; 0 means pwhash.DefaultCost.
	BcryptCost int

	// SessionIDBytes and TokenBytes size the random identifiers.
	SessionIDBytes int
	TokenBytes     int

	// Logger receives housekeeping reports. nil disables logging.
	Logger *slog.Logger

	// Now is a test seam for the time source. nil means time.Now.
	Now func() time.Time
}

// Store implements accountkeeper.Backend over database/sql.
type Store[T any] struct {
	cfg Config
	log logging.Logger
	now func() time.Time
}

var _ accountkeeper.Backend[struct{}] = (*Store[struct{}])(nil)

// New creates a Store from cfg. Call Init before first use.
func New[T any](cfg Config) *Store[T] {
	if cfg.SessionIDBytes == 0 {
		cfg.SessionIDBytes = DefaultSessionIDBytes
	}
	if cfg.TokenBytes == 0 {
		cfg.TokenBytes = DefaultTokenBytes
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store[T]{
		cfg: cfg,
		log: logging.NewSlogLogger(cfg.Logger),
		now: now,
	}
}

// DB exposes the underlying handle, mainly so callers can Close it.
func (s *Store[T]) DB() *sql.DB { return s.cfg.DB }

// q rewrites ? placeholders to $n when the dialect requires it. Queries in
// this package never contain a literal question mark.
func (s *Store[T]) q(query string) string {
	if !s.cfg.Rebind {
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

func (s *Store[T]) unique(err error) bool {
	return s.cfg.IsUniqueViolation != nil && s.cfg.IsUniqueViolation(err)
}

// Init runs the schema migrations. Safe to call repeatedly.
func (s *Store[T]) Init(ctx context.Context) error {
	if err := s.cfg.Migrate(ctx, s.cfg.DB); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

// Destroy drops every table owned by the backend, including the goose
// bookkeeping table so a later Init starts from scratch.
func (s *Store[T]) Destroy(ctx context.Context) error {
	for _, table := range []string{"ak_idents", "ak_sessions", "ak_tokens", "ak_users", "goose_db_version"} {
		if _, err := s.cfg.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

// Housekeep deletes expired sessions and expired or consumed tokens.
func (s *Store[T]) Housekeep(ctx context.Context) error {
	now := s.now().UnixMilli()

	res, err := s.cfg.DB.ExecContext(ctx, s.q(`DELETE FROM ak_sessions WHERE expires_at <= ?`), now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	sessions, _ := res.RowsAffected()

	res, err = s.cfg.DB.ExecContext(ctx, s.q(`DELETE FROM ak_tokens WHERE expires_at <= ? OR consumed`), now)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	tokens, _ := res.RowsAffected()

	s.log.Info(ctx, "housekeeping done", "sessions", sessions, "tokens", tokens)
	return nil
}

func (s *Store[T]) scanUser(row *sql.Row) (*accountkeeper.User[T], error) {
	var (
		name, email, more string
		active            bool
	)
	if err := row.Scan(&name, &email, &active, &more); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return buildUser[T](name, email, active, more)
}

func buildUser[T any](name, email string, active bool, more string) (*accountkeeper.User[T], error) {
	var payload T
	if err := json.Unmarshal([]byte(more), &payload); err != nil {
		return nil, fmt.Errorf("payload decode error: %w", err)
	}
	return &accountkeeper.User[T]{
		Name:     name,
		Email:    email,
		Password: accountkeeper.Hidden(),
		Active:   active,
		More:     payload,
	}, nil
}

// GetUser returns the user with password Hidden, or nil if id is unknown.
func (s *Store[T]) GetUser(ctx context.Context, id accountkeeper.UserID) (*accountkeeper.User[T], error) {
	row := s.cfg.DB.QueryRowContext(ctx,
		s.q(`SELECT name, email, active, more FROM ak_users WHERE id = ?`), string(id))
	return s.scanUser(row)
}

// ListUsers returns users ordered by id. limit <= 0 means no limit.
func (s *Store[T]) ListUsers(ctx context.Context, offset, limit int) ([]accountkeeper.UserEntry[T], error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, name, email, active, more FROM ak_users ORDER BY id`
	args := []any{}
	if limit <= 0 && offset > 0 {
		// neither engine allows OFFSET without LIMIT in a portable way
		limit = math.MaxInt32
	}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.cfg.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var entries []accountkeeper.UserEntry[T]
	for rows.Next() {
		var (
			id, name, email, more string
			active                bool
		)
		if err := rows.Scan(&id, &name, &email, &active, &more); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		u, err := buildUser[T](name, email, active, more)
		if err != nil {
			return nil, err
		}
		entries = append(entries, accountkeeper.UserEntry[T]{ID: accountkeeper.UserID(id), User: *u})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return entries, nil
}

// CountUsers returns the number of users.
func (s *Store[T]) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.cfg.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ak_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (s *Store[T]) insertIdents(ctx context.Context, tx dbx.DBTX, id accountkeeper.UserID, name, email string, conflict error) error {
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO ak_idents (ident, user_id) VALUES (?, ?), (?, ?)`),
		name, string(id), email, string(id))
	if err != nil {
		if s.unique(err) {
			return conflict
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// CreateUser persists a new account, hashing the plain password first.
func (s *Store[T]) CreateUser(ctx context.Context, user accountkeeper.User[T]) (accountkeeper.UserID, error) {
	plain, ok := user.Password.Plain()
	if !ok {
		return "", accountkeeper.ErrPasswordNotPlain
	}
	if user.Name == "" || user.Email == "" || user.Name == user.Email {
		return "", accountkeeper.ErrInvalidUserData
	}

	digest, err := pwhash.Hash(plain, s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("password hash error: %w", err)
	}
	more, err := json.Marshal(user.More)
	if err != nil {
		return "", fmt.Errorf("payload encode error: %w", err)
	}

	id := accountkeeper.UserID(uuid.NewString())
	err = dbx.WithTx(ctx, s.cfg.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO ak_users (id, name, email, password_hash, active, more) VALUES (?, ?, ?, ?, ?, ?)`),
			string(id), user.Name, user.Email, digest, user.Active, string(more))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return s.insertIdents(ctx, tx, id, user.Name, user.Email, accountkeeper.ErrUsernameOrEmailTaken)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateUser applies fn to the stored user inside a single transaction.
func (s *Store[T]) UpdateUser(ctx context.Context, id accountkeeper.UserID, fn func(accountkeeper.User[T]) accountkeeper.User[T]) error {
	return dbx.WithTx(ctx, s.cfg.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT name, email, password_hash, active, more FROM ak_users WHERE id = ?`
		if s.cfg.RowLock {
			query += ` FOR UPDATE`
		}

		var (
			name, email, digest, more string
			active                    bool
		)
		err := tx.QueryRowContext(ctx, s.q(query), string(id)).
			Scan(&name, &email, &digest, &active, &more)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return accountkeeper.ErrUserDoesntExist
			}
			return fmt.Errorf("db error: %w", err)
		}

		current, err := buildUser[T](name, email, active, more)
		if err != nil {
			return err
		}
		updated := fn(*current)
		if updated.Name == "" || updated.Email == "" || updated.Name == updated.Email {
			return accountkeeper.ErrInvalidUserData
		}

		newDigest := digest
		if plain, ok := updated.Password.Plain(); ok {
			newDigest, err = pwhash.Hash(plain, s.cfg.BcryptCost)
			if err != nil {
				return fmt.Errorf("password hash error: %w", err)
			}
		} else if d, ok := updated.Password.Digest(); ok {
			newDigest = d
		}

		newMore, err := json.Marshal(updated.More)
		if err != nil {
			return fmt.Errorf("payload encode error: %w", err)
		}

		if updated.Name != name || updated.Email != email {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM ak_idents WHERE user_id = ?`), string(id)); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			if err := s.insertIdents(ctx, tx, id, updated.Name, updated.Email, accountkeeper.ErrUsernameOrEmailExists); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			s.q(`UPDATE ak_users SET name = ?, email = ?, password_hash = ?, active = ?, more = ? WHERE id = ?`),
			updated.Name, updated.Email, newDigest, updated.Active, string(newMore), string(id))
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// UpdateUserDetails is UpdateUser restricted to the payload field.
func (s *Store[T]) UpdateUserDetails(ctx context.Context, id accountkeeper.UserID, fn func(T) T) error {
	return s.UpdateUser(ctx, id, func(u accountkeeper.User[T]) accountkeeper.User[T] {
		u.More = fn(u.More)
		return u
	})
}

// DeleteUser removes the account with its identifiers, sessions and tokens.
func (s *Store[T]) DeleteUser(ctx context.Context, id accountkeeper.UserID) error {
	return dbx.WithTx(ctx, s.cfg.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, query := range []string{
			`DELETE FROM ak_idents WHERE user_id = ?`,
			`DELETE FROM ak_sessions WHERE user_id = ?`,
			`DELETE FROM ak_tokens WHERE user_id = ?`,
			`DELETE FROM ak_users WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(query), string(id)); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}

// AuthUser authenticates by exact name or email match and opens a session.
// The identifier is only ever a bind parameter, never query text, so
// query-shaped inputs simply fail to match.
func (s *Store[T]) AuthUser(ctx context.Context, nameOrEmail, password string, sessionDur time.Duration) (accountkeeper.SessionID, error) {
	var (
		id     string
		digest string
	)
	err := s.cfg.DB.QueryRowContext(ctx,
		s.q(`SELECT u.id, u.password_hash FROM ak_idents i JOIN ak_users u ON u.id = i.user_id WHERE i.ident = ?`),
		nameOrEmail).Scan(&id, &digest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("db error: %w", err)
	}
	if !pwhash.Verify(digest, password) {
		return "", nil
	}

	raw, err := randx.Token(s.cfg.SessionIDBytes)
	if err != nil {
		return "", fmt.Errorf("session id error: %w", err)
	}
	sid := accountkeeper.SessionID(raw)
	expires := s.now().Add(sessionDur).UnixMilli()
	_, err = s.cfg.DB.ExecContext(ctx,
		s.q(`INSERT INTO ak_sessions (id, user_id, expires_at) VALUES (?, ?, ?)`),
		string(sid), id, expires)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return sid, nil
}

// VerifySession returns the session owner and slides the expiry forward,
// evicting expired sessions on the spot.
func (s *Store[T]) VerifySession(ctx context.Context, sid accountkeeper.SessionID, extendBy time.Duration) (accountkeeper.UserID, error) {
	var owner accountkeeper.UserID
	err := dbx.WithTx(ctx, s.cfg.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT user_id, expires_at FROM ak_sessions WHERE id = ?`
		if s.cfg.RowLock {
			query += ` FOR UPDATE`
		}

		var (
			userID  string
			expires int64
		)
		err := tx.QueryRowContext(ctx, s.q(query), string(sid)).Scan(&userID, &expires)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("db error: %w", err)
		}

		now := s.now()
		if expires <= now.UnixMilli() {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM ak_sessions WHERE id = ?`), string(sid)); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			return nil
		}

		if extended := now.Add(extendBy).UnixMilli(); extended > expires {
			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE ak_sessions SET expires_at = ? WHERE id = ?`), extended, string(sid)); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		owner = accountkeeper.UserID(userID)
		return nil
	})
	if err != nil {
		return "", err
	}
	return owner, nil
}

// DestroySession removes the session. Unknown ids are a no-op.
func (s *Store[T]) DestroySession(ctx context.Context, sid accountkeeper.SessionID) error {
	if _, err := s.cfg.DB.ExecContext(ctx,
		s.q(`DELETE FROM ak_sessions WHERE id = ?`), string(sid)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store[T]) mintToken(ctx context.Context, id accountkeeper.UserID, purpose string, validFor time.Duration) (string, error) {
	var exists bool
	err := s.cfg.DB.QueryRowContext(ctx,
		s.q(`SELECT EXISTS (SELECT 1 FROM ak_users WHERE id = ?)`), string(id)).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return "", accountkeeper.ErrUserDoesntExist
	}

	raw, err := randx.Token(s.cfg.TokenBytes)
	if err != nil {
		return "", fmt.Errorf("token error: %w", err)
	}
	expires := s.now().Add(validFor).UnixMilli()
	_, err = s.cfg.DB.ExecContext(ctx,
		s.q(`INSERT INTO ak_tokens (token, user_id, purpose, expires_at, consumed) VALUES (?, ?, ?, ?, FALSE)`),
		raw, string(id), purpose, expires)
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return raw, nil
}

// consumeToken validates a live token inside a transaction, runs apply on
// the owning user and marks the token consumed. Unknown, expired and
// consumed tokens are indistinguishable to the caller.
func (s *Store[T]) consumeToken(ctx context.Context, token, purpose string, apply func(ctx context.Context, tx dbx.DBTX, userID string) error) error {
	return dbx.WithTx(ctx, s.cfg.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT user_id FROM ak_tokens WHERE token = ? AND purpose = ? AND NOT consumed AND expires_at > ?`
		if s.cfg.RowLock {
			query += ` FOR UPDATE`
		}

		var userID string
		err := tx.QueryRowContext(ctx, s.q(query), token, purpose, s.now().UnixMilli()).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return accountkeeper.ErrTokenInvalid
			}
			return fmt.Errorf("db error: %w", err)
		}

		if err := apply(ctx, tx, userID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.q(`UPDATE ak_tokens SET consumed = TRUE WHERE token = ?`), token)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// RequestPasswordReset mints a fresh reset token for the user.
func (s *Store[T]) RequestPasswordReset(ctx context.Context, id accountkeeper.UserID, validFor time.Duration) (accountkeeper.ResetToken, error) {
	raw, err := s.mintToken(ctx, id, purposeReset, validFor)
	if err != nil {
		return "", err
	}
	return accountkeeper.ResetToken(raw), nil
}

// VerifyPasswordResetToken returns the token owner without consuming the
// token, or nil when the token is unknown, expired or consumed.
func (s *Store[T]) VerifyPasswordResetToken(ctx context.Context, token accountkeeper.ResetToken) (*accountkeeper.User[T], error) {
	row := s.cfg.DB.QueryRowContext(ctx, s.q(
		`SELECT u.name, u.email, u.active, u.more
		 FROM ak_tokens t JOIN ak_users u ON u.id = t.user_id
		 WHERE t.token = ? AND t.purpose = ? AND NOT t.consumed AND t.expires_at > ?`),
		string(token), purposeReset, s.now().UnixMilli())
	return s.scanUser(row)
}

// ApplyNewPassword stores a new password hash and consumes the token.
// Existing sessions of the user stay valid.
func (s *Store[T]) ApplyNewPassword(ctx context.Context, token accountkeeper.ResetToken, newPassword string) error {
	digest, err := pwhash.Hash(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hash error: %w", err)
	}
	return s.consumeToken(ctx, string(token), purposeReset, func(ctx context.Context, tx dbx.DBTX, userID string) error {
		_, err := tx.ExecContext(ctx,
			s.q(`UPDATE ak_users SET password_hash = ? WHERE id = ?`), digest, userID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// RequestActivationToken mints a fresh activation token for the user.
func (s *Store[T]) RequestActivationToken(ctx context.Context, id accountkeeper.UserID, validFor time.Duration) (accountkeeper.ActivationToken, error) {
	raw, err := s.mintToken(ctx, id, purposeActivate, validFor)
	if err != nil {
		return "", err
	}
	return accountkeeper.ActivationToken(raw), nil
}

// ActivateUser flips the account active and consumes the token.
func (s *Store[T]) ActivateUser(ctx context.Context, token accountkeeper.ActivationToken) error {
	return s.consumeToken(ctx, string(token), purposeActivate, func(ctx context.Context, tx dbx.DBTX, userID string) error {
		_, err := tx.ExecContext(ctx,
			s.q(`UPDATE ak_users SET active = TRUE WHERE id = ?`), userID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}
