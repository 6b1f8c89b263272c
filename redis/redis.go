// Package redis provides an accountkeeper backend on top of Redis. Session
// and token expiry piggyback on native key TTLs, so expired entries vanish
// without any sweeper; uniqueness is enforced by SETNX claims on a shared
// identifier namespace; multi-step mutations run as WATCH/MULTI/EXEC
// optimistic transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/logging"
	"github.com/dmitrijs2005/accountkeeper/internal/pwhash"
	"github.com/dmitrijs2005/accountkeeper/internal/randx"
)

const (
	// DefaultKeyPrefix is the default for Options.KeyPrefix.
	DefaultKeyPrefix = "ak:"

	// DefaultSessionIDBytes is the default for Options.SessionIDBytes.
	DefaultSessionIDBytes = 24

	// DefaultTokenBytes is the default for Options.TokenBytes.
	DefaultTokenBytes = 24

	// watch transactions are retried this many times before giving up.
	maxTxRetries = 64
)

// Token purposes stored in token hashes.
const (
	purposeReset    = "reset"
	purposeActivate = "activate"
)

// Options holds backend configuration. The zero value is valid.
type Options struct {
	// KeyPrefix namespaces every key the backend writes.
	KeyPrefix string

	// BcryptCost is the bcrypt work factor for password hashing.
	BcryptCost int

	// SessionIDBytes and TokenBytes size the random identifiers.
	SessionIDBytes int
	TokenBytes     int

	// Logger receives housekeeping reports. nil disables logging.
	Logger *slog.Logger
}

// Store is the Redis backend. It is safe for concurrent use.
type Store[T any] struct {
	rdb  *goredis.Client
	opts Options
	log  logging.Logger
}

var _ accountkeeper.Backend[struct{}] = (*Store[struct{}])(nil)

// Open connects to the Redis server at addr and returns a backend over it.
func Open[T any](addr string, opts Options) *Store[T] {
	return New[T](goredis.NewClient(&goredis.Options{Addr: addr}), opts)
}

// New wraps an existing client.
func New[T any](rdb *goredis.Client, opts Options) *Store[T] {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.SessionIDBytes == 0 {
		opts.SessionIDBytes = DefaultSessionIDBytes
	}
	if opts.TokenBytes == 0 {
		opts.TokenBytes = DefaultTokenBytes
	}
	return &Store[T]{
		rdb:  rdb,
		opts: opts,
		log:  logging.NewSlogLogger(opts.Logger),
	}
}

func (s *Store[T]) userKey(id accountkeeper.UserID) string { return s.opts.KeyPrefix + "user:" + string(id) }
func (s *Store[T]) identKey(ident string) string           { return s.opts.KeyPrefix + "ident:" + ident }
func (s *Store[T]) sessionKey(sid accountkeeper.SessionID) string {
	return s.opts.KeyPrefix + "sess:" + string(sid)
}
func (s *Store[T]) userSessionsKey(id accountkeeper.UserID) string {
	return s.opts.KeyPrefix + "usersess:" + string(id)
}
func (s *Store[T]) tokenKey(token string) string { return s.opts.KeyPrefix + "tok:" + token }
func (s *Store[T]) usersKey() string             { return s.opts.KeyPrefix + "users" }

// Init checks connectivity. The keyspace needs no setup, so calling it
// again is trivially harmless.
func (s *Store[T]) Init(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// Destroy deletes every key under the configured prefix.
func (s *Store[T]) Destroy(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.opts.KeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis error: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Housekeep trims session-index entries whose session keys have TTL-expired.
// Sessions and tokens themselves are evicted by Redis, so there is nothing
// else to purge.
func (s *Store[T]) Housekeep(ctx context.Context) error {
	ids, err := s.rdb.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	var trimmed int64
	for _, id := range ids {
		indexKey := s.userSessionsKey(accountkeeper.UserID(id))
		sids, err := s.rdb.SMembers(ctx, indexKey).Result()
		if err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
		for _, sid := range sids {
			exists, err := s.rdb.Exists(ctx, s.sessionKey(accountkeeper.SessionID(sid))).Result()
			if err != nil {
				return fmt.Errorf("redis error: %w", err)
			}
			if exists == 0 {
				if err := s.rdb.SRem(ctx, indexKey, sid).Err(); err != nil {
					return fmt.Errorf("redis error: %w", err)
				}
				trimmed++
			}
		}
	}
	s.log.Info(ctx, "housekeeping done", "stale_session_refs", trimmed)
	return nil
}

func (s *Store[T]) userFromHash(m map[string]string) (*accountkeeper.User[T], error) {
	var more T
	if err := json.Unmarshal([]byte(m["more"]), &more); err != nil {
		return nil, fmt.Errorf("payload decode error: %w", err)
	}
	return &accountkeeper.User[T]{
		Name:     m["name"],
		Email:    m["email"],
		Password: accountkeeper.Hidden(),
		Active:   m["active"] == "1",
		More:     more,
	}, nil
}

// GetUser returns the user with password Hidden, or nil if id is unknown.
func (s *Store[T]) GetUser(ctx context.Context, id accountkeeper.UserID) (*accountkeeper.User[T], error) {
	m, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return s.userFromHash(m)
}

// ListUsers returns users ordered by id. limit <= 0 means no limit.
func (s *Store[T]) ListUsers(ctx context.Context, offset, limit int) ([]accountkeeper.UserEntry[T], error) {
	ids, err := s.rdb.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	sort.Strings(ids)

	if offset < 0 {
		offset = 0
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	entries := make([]accountkeeper.UserEntry[T], 0, len(ids))
	for _, raw := range ids {
		id := accountkeeper.UserID(raw)
		u, err := s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			continue
		}
		entries = append(entries, accountkeeper.UserEntry[T]{ID: id, User: *u})
	}
	return entries, nil
}

// CountUsers returns the number of users.
func (s *Store[T]) CountUsers(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return int(n), nil
}

func userHash(name, email, digest string, active bool, more []byte) map[string]any {
	act := "0"
	if active {
		act = "1"
	}
	return map[string]any{
		"name":   name,
		"email":  email,
		"digest": digest,
		"active": act,
		"more":   string(more),
	}
}

// CreateUser claims both identifiers with SETNX before writing the record,
// so racing creates on any colliding name or email settle to exactly one
// winner.
func (s *Store[T]) CreateUser(ctx context.Context, user accountkeeper.User[T]) (accountkeeper.UserID, error) {
	plain, ok := user.Password.Plain()
	if !ok {
		return "", accountkeeper.ErrPasswordNotPlain
	}
	if user.Name == "" || user.Email == "" || user.Name == user.Email {
		return "", accountkeeper.ErrInvalidUserData
	}

	digest, err := pwhash.Hash(plain, s.opts.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("password hash error: %w", err)
	}
	more, err := json.Marshal(user.More)
	if err != nil {
		return "", fmt.Errorf("payload encode error: %w", err)
	}

	id := accountkeeper.UserID(uuid.NewString())

	claimed, err := s.rdb.SetNX(ctx, s.identKey(user.Name), string(id), 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	if !claimed {
		return "", accountkeeper.ErrUsernameOrEmailTaken
	}
	claimed, err = s.rdb.SetNX(ctx, s.identKey(user.Email), string(id), 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	if !claimed {
		_ = s.rdb.Del(ctx, s.identKey(user.Name)).Err()
		return "", accountkeeper.ErrUsernameOrEmailTaken
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(id), userHash(user.Name, user.Email, digest, user.Active, more))
		pipe.SAdd(ctx, s.usersKey(), string(id))
		return nil
	})
	if err != nil {
		// release both claims, or the identifiers stay unregistrable with
		// no user record to free them through
		_ = s.rdb.Del(ctx, s.identKey(user.Name), s.identKey(user.Email)).Err()
		return "", fmt.Errorf("redis error: %w", err)
	}
	return id, nil
}

// UpdateUser runs an optimistic WATCH transaction on the user record and
// any identifier keys it claims, retrying on interference.
func (s *Store[T]) UpdateUser(ctx context.Context, id accountkeeper.UserID, fn func(accountkeeper.User[T]) accountkeeper.User[T]) error {
	userKey := s.userKey(id)

	txf := func(tx *goredis.Tx) error {
		m, err := tx.HGetAll(ctx, userKey).Result()
		if err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
		if len(m) == 0 {
			return accountkeeper.ErrUserDoesntExist
		}
		current, err := s.userFromHash(m)
		if err != nil {
			return err
		}

		updated := fn(*current)
		if updated.Name == "" || updated.Email == "" || updated.Name == updated.Email {
			return accountkeeper.ErrInvalidUserData
		}

		digest := m["digest"]
		if plain, ok := updated.Password.Plain(); ok {
			digest, err = pwhash.Hash(plain, s.opts.BcryptCost)
			if err != nil {
				return fmt.Errorf("password hash error: %w", err)
			}
		} else if d, ok := updated.Password.Digest(); ok {
			digest = d
		}

		more, err := json.Marshal(updated.More)
		if err != nil {
			return fmt.Errorf("payload encode error: %w", err)
		}

		nameChanged := updated.Name != current.Name
		emailChanged := updated.Email != current.Email
		for _, change := range []struct {
			changed bool
			ident   string
		}{
			{nameChanged, updated.Name},
			{emailChanged, updated.Email},
		} {
			if !change.changed {
				continue
			}
			key := s.identKey(change.ident)
			if err := tx.Watch(ctx, key).Err(); err != nil {
				return fmt.Errorf("redis error: %w", err)
			}
			owner, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("redis error: %w", err)
			}
			if err == nil && owner != string(id) {
				return accountkeeper.ErrUsernameOrEmailExists
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if nameChanged {
				pipe.Del(ctx, s.identKey(current.Name))
				pipe.Set(ctx, s.identKey(updated.Name), string(id), 0)
			}
			if emailChanged {
				pipe.Del(ctx, s.identKey(current.Email))
				pipe.Set(ctx, s.identKey(updated.Email), string(id), 0)
			}
			pipe.HSet(ctx, userKey, userHash(updated.Name, updated.Email, digest, updated.Active, more))
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, userKey)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis error: %w", goredis.TxFailedErr)
}

// UpdateUserDetails is UpdateUser restricted to the payload field.
func (s *Store[T]) UpdateUserDetails(ctx context.Context, id accountkeeper.UserID, fn func(T) T) error {
	return s.UpdateUser(ctx, id, func(u accountkeeper.User[T]) accountkeeper.User[T] {
		u.More = fn(u.More)
		return u
	})
}

// DeleteUser removes the record, its identifier claims and its sessions.
// Outstanding tokens are left to their TTL; consuming one fails once the
// user record is gone.
func (s *Store[T]) DeleteUser(ctx context.Context, id accountkeeper.UserID) error {
	m, err := s.rdb.HGetAll(ctx, s.userKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if len(m) == 0 {
		return nil
	}

	sids, err := s.rdb.SMembers(ctx, s.userSessionsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.identKey(m["name"]), s.identKey(m["email"]))
		for _, sid := range sids {
			pipe.Del(ctx, s.sessionKey(accountkeeper.SessionID(sid)))
		}
		pipe.Del(ctx, s.userSessionsKey(id))
		pipe.Del(ctx, s.userKey(id))
		pipe.SRem(ctx, s.usersKey(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// AuthUser authenticates by exact identifier match and opens a session key
// with a native TTL.
func (s *Store[T]) AuthUser(ctx context.Context, nameOrEmail, password string, sessionDur time.Duration) (accountkeeper.SessionID, error) {
	idStr, err := s.rdb.Get(ctx, s.identKey(nameOrEmail)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("redis error: %w", err)
	}

	var digest string
	if err == nil {
		digest, err = s.rdb.HGet(ctx, s.userKey(accountkeeper.UserID(idStr)), "digest").Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return "", fmt.Errorf("redis error: %w", err)
		}
	}
	if !pwhash.Verify(digest, password) {
		return "", nil
	}

	raw, err := randx.Token(s.opts.SessionIDBytes)
	if err != nil {
		return "", fmt.Errorf("session id error: %w", err)
	}
	sid := accountkeeper.SessionID(raw)

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sid), idStr, sessionDur)
		pipe.SAdd(ctx, s.userSessionsKey(accountkeeper.UserID(idStr)), string(sid))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	return sid, nil
}

// VerifySession returns the session owner. Expired sessions are already
// gone thanks to the key TTL; a live one gets its TTL raised to extendBy
// when that outlasts the remaining time.
func (s *Store[T]) VerifySession(ctx context.Context, sid accountkeeper.SessionID, extendBy time.Duration) (accountkeeper.UserID, error) {
	key := s.sessionKey(sid)

	idStr, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}

	remaining, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	if extendBy > remaining {
		if err := s.rdb.PExpire(ctx, key, extendBy).Err(); err != nil {
			return "", fmt.Errorf("redis error: %w", err)
		}
	}
	return accountkeeper.UserID(idStr), nil
}

// DestroySession removes a session. Unknown ids are a no-op.
func (s *Store[T]) DestroySession(ctx context.Context, sid accountkeeper.SessionID) error {
	key := s.sessionKey(sid)

	idStr, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, s.userSessionsKey(accountkeeper.UserID(idStr)), string(sid))
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (s *Store[T]) mintToken(ctx context.Context, id accountkeeper.UserID, purpose string, validFor time.Duration) (string, error) {
	exists, err := s.rdb.Exists(ctx, s.userKey(id)).Result()
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	if exists == 0 {
		return "", accountkeeper.ErrUserDoesntExist
	}

	raw, err := randx.Token(s.opts.TokenBytes)
	if err != nil {
		return "", fmt.Errorf("token error: %w", err)
	}
	key := s.tokenKey(raw)

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{"user": string(id), "purpose": purpose})
		pipe.PExpire(ctx, key, validFor)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	return raw, nil
}

// consumeToken validates the token hash under WATCH, applies the user
// mutation and deletes the token in one transaction. A consumed token is
// indistinguishable from an unknown or expired one.
func (s *Store[T]) consumeToken(ctx context.Context, token, purpose string, apply func(pipe goredis.Pipeliner, userKey string) error) error {
	key := s.tokenKey(token)

	txf := func(tx *goredis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
		if len(m) == 0 || m["purpose"] != purpose {
			return accountkeeper.ErrTokenInvalid
		}

		userKey := s.userKey(accountkeeper.UserID(m["user"]))
		exists, err := tx.Exists(ctx, userKey).Result()
		if err != nil {
			return fmt.Errorf("redis error: %w", err)
		}
		if exists == 0 {
			return accountkeeper.ErrTokenInvalid
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := apply(pipe, userKey); err != nil {
				return err
			}
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis error: %w", goredis.TxFailedErr)
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
// token, or nil when the token is gone or of the wrong purpose.
func (s *Store[T]) VerifyPasswordResetToken(ctx context.Context, token accountkeeper.ResetToken) (*accountkeeper.User[T], error) {
	m, err := s.rdb.HGetAll(ctx, s.tokenKey(string(token))).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(m) == 0 || m["purpose"] != purposeReset {
		return nil, nil
	}
	return s.GetUser(ctx, accountkeeper.UserID(m["user"]))
}

// ApplyNewPassword stores a new password hash and consumes the token.
// Existing sessions of the user stay valid.
func (s *Store[T]) ApplyNewPassword(ctx context.Context, token accountkeeper.ResetToken, newPassword string) error {
	digest, err := pwhash.Hash(newPassword, s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hash error: %w", err)
	}
	return s.consumeToken(ctx, string(token), purposeReset, func(pipe goredis.Pipeliner, userKey string) error {
		pipe.HSet(ctx, userKey, "digest", digest)
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
	return s.consumeToken(ctx, string(token), purposeActivate, func(pipe goredis.Pipeliner, userKey string) error {
		pipe.HSet(ctx, userKey, "active", "1")
		return nil
	})
}
