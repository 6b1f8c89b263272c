// Package memory provides an in-memory accountkeeper backend. All state
// lives in mutex-guarded maps, so it is suitable for tests, prototypes and
// as the reference implementation of the contract.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/accountkeeper"
	"github.com/dmitrijs2005/accountkeeper/internal/logging"
	"github.com/dmitrijs2005/accountkeeper/internal/pwhash"
	"github.com/dmitrijs2005/accountkeeper/internal/randx"
)

const (
	// DefaultSessionIDBytes is the default for Options.SessionIDBytes.
	DefaultSessionIDBytes = 24

	// DefaultTokenBytes is the default for Options.TokenBytes.
	DefaultTokenBytes = 24
)

// Options holds backend configuration. The zero value is valid.
type Options struct {
	// BcryptCost is the bcrypt work factor for password hashing.
	// 0 means pwhash.DefaultCost.
	BcryptCost int

	// SessionIDBytes tells how many random bytes to use for session ids.
	SessionIDBytes int

	// TokenBytes tells how many random bytes to use for reset and
	// activation tokens.
	TokenBytes int

	// Logger receives housekeeping reports. nil disables logging.
	Logger *slog.Logger

	// Now is a test seam for the time source. nil means time.Now.
	Now func() time.Time
}

type record[T any] struct {
	name   string
	email  string
	digest string
	active bool
	more   []byte // JSON-encoded payload
}

type session struct {
	user    accountkeeper.UserID
	expires time.Time
}

type token struct {
	user     accountkeeper.UserID
	expires  time.Time
	consumed bool
}

// Store is the in-memory backend. It is safe for concurrent use.
type Store[T any] struct {
	opts Options
	log  logging.Logger
	now  func() time.Time

	mu          sync.Mutex
	users       map[accountkeeper.UserID]*record[T]
	idents      map[string]accountkeeper.UserID // name and email claims
	sessions    map[accountkeeper.SessionID]*session
	resets      map[accountkeeper.ResetToken]*token
	activations map[accountkeeper.ActivationToken]*token
}

var _ accountkeeper.Backend[struct{}] = (*Store[struct{}])(nil)

// New creates an in-memory backend, ready for use.
func New[T any](opts Options) *Store[T] {
	if opts.SessionIDBytes == 0 {
		opts.SessionIDBytes = DefaultSessionIDBytes
	}
	if opts.TokenBytes == 0 {
		opts.TokenBytes = DefaultTokenBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store[T]{
		opts: opts,
		log:  logging.NewSlogLogger(opts.Logger),
		now:  now,
	}
	s.reset()
	return s
}

// reset swaps in fresh empty maps. Callers hold mu (or own the Store
// exclusively, as New does).
func (s *Store[T]) reset() {
	s.users = make(map[accountkeeper.UserID]*record[T])
	s.idents = make(map[string]accountkeeper.UserID)
	s.sessions = make(map[accountkeeper.SessionID]*session)
	s.resets = make(map[accountkeeper.ResetToken]*token)
	s.activations = make(map[accountkeeper.ActivationToken]*token)
}

// Init is a no-op: the maps are allocated by New. Calling it again keeps
// all existing data.
func (s *Store[T]) Init(ctx context.Context) error {
	return nil
}

// Destroy drops every user, session and token. The backend stays usable.
func (s *Store[T]) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Housekeep removes expired sessions and expired or consumed tokens.
func (s *Store[T]) Housekeep(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var sessions, tokens int
	for sid, sess := range s.sessions {
		if !sess.expires.After(now) {
			delete(s.sessions, sid)
			sessions++
		}
	}
	for tok, t := range s.resets {
		if t.consumed || !t.expires.After(now) {
			delete(s.resets, tok)
			tokens++
		}
	}
	for tok, t := range s.activations {
		if t.consumed || !t.expires.After(now) {
			delete(s.activations, tok)
			tokens++
		}
	}
	s.log.Info(ctx, "housekeeping done", "sessions", sessions, "tokens", tokens)
	return nil
}

func (s *Store[T]) userFromRecord(rec *record[T]) (*accountkeeper.User[T], error) {
	var more T
	if err := json.Unmarshal(rec.more, &more); err != nil {
		return nil, fmt.Errorf("payload decode error: %w", err)
	}
	return &accountkeeper.User[T]{
		Name:     rec.name,
		Email:    rec.email,
		Password: accountkeeper.Hidden(),
		Active:   rec.active,
		More:     more,
	}, nil
}

// GetUser returns the user with password Hidden, or nil if id is unknown.
func (s *Store[T]) GetUser(ctx context.Context, id accountkeeper.UserID) (*accountkeeper.User[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return s.userFromRecord(rec)
}

// ListUsers returns users ordered by id. limit <= 0 means no limit.
func (s *Store[T]) ListUsers(ctx context.Context, offset, limit int) ([]accountkeeper.UserEntry[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, string(id))
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
	for _, id := range ids {
		uid := accountkeeper.UserID(id)
		u, err := s.userFromRecord(s.users[uid])
		if err != nil {
			return nil, err
		}
		entries = append(entries, accountkeeper.UserEntry[T]{ID: uid, User: *u})
	}
	return entries, nil
}

// CountUsers returns the number of users.
func (s *Store[T]) CountUsers(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
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

	digest, err := pwhash.Hash(plain, s.opts.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("password hash error: %w", err)
	}
	more, err := json.Marshal(user.More)
	if err != nil {
		return "", fmt.Errorf("payload encode error: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.idents[user.Name]; taken {
		return "", accountkeeper.ErrUsernameOrEmailTaken
	}
	if _, taken := s.idents[user.Email]; taken {
		return "", accountkeeper.ErrUsernameOrEmailTaken
	}

	id := accountkeeper.UserID(uuid.NewString())
	s.users[id] = &record[T]{
		name:   user.Name,
		email:  user.Email,
		digest: digest,
		active: user.Active,
		more:   more,
	}
	s.idents[user.Name] = id
	s.idents[user.Email] = id
	return id, nil
}

// UpdateUser applies fn to the stored user atomically. fn sees the password
// as Hidden; returning PlainText replaces the stored credentials.
func (s *Store[T]) UpdateUser(ctx context.Context, id accountkeeper.UserID, fn func(accountkeeper.User[T]) accountkeeper.User[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return accountkeeper.ErrUserDoesntExist
	}
	current, err := s.userFromRecord(rec)
	if err != nil {
		return err
	}

	updated := fn(*current)
	if updated.Name == "" || updated.Email == "" || updated.Name == updated.Email {
		return accountkeeper.ErrInvalidUserData
	}
	if owner, taken := s.idents[updated.Name]; taken && owner != id {
		return accountkeeper.ErrUsernameOrEmailExists
	}
	if owner, taken := s.idents[updated.Email]; taken && owner != id {
		return accountkeeper.ErrUsernameOrEmailExists
	}

	digest := rec.digest
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

	delete(s.idents, rec.name)
	delete(s.idents, rec.email)
	rec.name = updated.Name
	rec.email = updated.Email
	rec.digest = digest
	rec.active = updated.Active
	rec.more = more
	s.idents[rec.name] = id
	s.idents[rec.email] = id
	return nil
}

// UpdateUserDetails is UpdateUser restricted to the payload field.
func (s *Store[T]) UpdateUserDetails(ctx context.Context, id accountkeeper.UserID, fn func(T) T) error {
	return s.UpdateUser(ctx, id, func(u accountkeeper.User[T]) accountkeeper.User[T] {
		u.More = fn(u.More)
		return u
	})
}

// DeleteUser removes the account and frees its name and email. Sessions and
// tokens of the user are removed with it.
func (s *Store[T]) DeleteUser(ctx context.Context, id accountkeeper.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return nil
	}
	delete(s.idents, rec.name)
	delete(s.idents, rec.email)
	delete(s.users, id)
	for sid, sess := range s.sessions {
		if sess.user == id {
			delete(s.sessions, sid)
		}
	}
	for tok, t := range s.resets {
		if t.user == id {
			delete(s.resets, tok)
		}
	}
	for tok, t := range s.activations {
		if t.user == id {
			delete(s.activations, tok)
		}
	}
	return nil
}

// AuthUser authenticates by exact name or email match and opens a session.
// Any mismatch yields a zero SessionID.
func (s *Store[T]) AuthUser(ctx context.Context, nameOrEmail, password string, sessionDur time.Duration) (accountkeeper.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var digest string
	id, found := s.idents[nameOrEmail]
	if found {
		digest = s.users[id].digest
	}
	if !pwhash.Verify(digest, password) {
		return "", nil
	}

	raw, err := randx.Token(s.opts.SessionIDBytes)
	if err != nil {
		return "", fmt.Errorf("session id error: %w", err)
	}
	sid := accountkeeper.SessionID(raw)
	s.sessions[sid] = &session{user: id, expires: s.now().Add(sessionDur)}
	return sid, nil
}

// VerifySession returns the session owner and slides the expiry forward to
// now+extendBy when that is later than the current expiry. Expired sessions
// are evicted on the spot.
func (s *Store[T]) VerifySession(ctx context.Context, sid accountkeeper.SessionID, extendBy time.Duration) (accountkeeper.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sid]
	if !ok {
		return "", nil
	}
	now := s.now()
	if !sess.expires.After(now) {
		delete(s.sessions, sid)
		return "", nil
	}
	if extended := now.Add(extendBy); extended.After(sess.expires) {
		sess.expires = extended
	}
	return sess.user, nil
}

// DestroySession removes the session. Unknown ids are a no-op.
func (s *Store[T]) DestroySession(ctx context.Context, sid accountkeeper.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

// RequestPasswordReset mints a fresh reset token for the user.
func (s *Store[T]) RequestPasswordReset(ctx context.Context, id accountkeeper.UserID, validFor time.Duration) (accountkeeper.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return "", accountkeeper.ErrUserDoesntExist
	}
	raw, err := randx.Token(s.opts.TokenBytes)
	if err != nil {
		return "", fmt.Errorf("token error: %w", err)
	}
	tok := accountkeeper.ResetToken(raw)
	s.resets[tok] = &token{user: id, expires: s.now().Add(validFor)}
	return tok, nil
}

// VerifyPasswordResetToken returns the token owner without consuming the
// token, or nil when the token is unknown, expired or consumed.
func (s *Store[T]) VerifyPasswordResetToken(ctx context.Context, tok accountkeeper.ResetToken) (*accountkeeper.User[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.resets[tok]
	if !ok || t.consumed || !t.expires.After(s.now()) {
		return nil, nil
	}
	rec, ok := s.users[t.user]
	if !ok {
		return nil, nil
	}
	return s.userFromRecord(rec)
}

// ApplyNewPassword stores a new password hash and consumes the token.
// Existing sessions of the user stay valid.
func (s *Store[T]) ApplyNewPassword(ctx context.Context, tok accountkeeper.ResetToken, newPassword string) error {
	digest, err := pwhash.Hash(newPassword, s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hash error: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.resets[tok]
	if !ok || t.consumed || !t.expires.After(s.now()) {
		return accountkeeper.ErrTokenInvalid
	}
	rec, ok := s.users[t.user]
	if !ok {
		return accountkeeper.ErrTokenInvalid
	}
	rec.digest = digest
	t.consumed = true
	return nil
}

// RequestActivationToken mints a fresh activation token for the user.
func (s *Store[T]) RequestActivationToken(ctx context.Context, id accountkeeper.UserID, validFor time.Duration) (accountkeeper.ActivationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return "", accountkeeper.ErrUserDoesntExist
	}
	raw, err := randx.Token(s.opts.TokenBytes)
	if err != nil {
		return "", fmt.Errorf("token error: %w", err)
	}
	tok := accountkeeper.ActivationToken(raw)
	s.activations[tok] = &token{user: id, expires: s.now().Add(validFor)}
	return tok, nil
}

// ActivateUser flips the account active and consumes the token.
func (s *Store[T]) ActivateUser(ctx context.Context, tok accountkeeper.ActivationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.activations[tok]
	if !ok || t.consumed || !t.expires.After(s.now()) {
		return accountkeeper.ErrTokenInvalid
	}
	rec, ok := s.users[t.user]
	if !ok {
		return accountkeeper.ErrTokenInvalid
	}
	rec.active = true
	t.consumed = true
	return nil
}
