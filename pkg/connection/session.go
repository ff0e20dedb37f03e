// Package connection implements the batched read side of the store: point
// lookups by a unique key (NodeLoader) and cursor-paginated connections
// (Loader).
//
// Loaders are request scoped. A Session owns one batch scheduler; every
// loader it hands out registers with that scheduler, so all loads issued
// before a flush, across every loader of the session, are sent to the
// database as one statement.
//
//	s := connection.NewSession(ctx, compiler, db, rc)
//	users, _ := s.GetLoader("User", "id", false, "")
//	a := users.Load("1")
//	b := users.Load("2")
//	_ = s.Dispatch(ctx) // one round trip
//	alice, _ := a.Get(ctx)
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/batch"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/pkg/schema"
)

// Session hands out the loaders of one request. Loaders are memoized by
// their arguments.
type Session struct {
	compiler *query.Compiler
	sched    *batch.Scheduler
	scope    *query.Scope
	cfg      Config
	hooks    strata.CacheHooks
	logger   *slog.Logger

	mu    sync.Mutex
	nodes map[string]*NodeLoader
	conns map[string]*Loader
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	cfg    Config
	hooks  strata.CacheHooks
	logger *slog.Logger
}

// WithConfig sets the page bounds of connection loaders.
func WithConfig(cfg Config) SessionOption {
	return func(o *sessionOptions) {
		o.cfg = cfg
	}
}

// WithHooks sets the cache hooks loaded nodes are reported to.
func WithHooks(h strata.CacheHooks) SessionOption {
	return func(o *sessionOptions) {
		o.hooks = h
	}
}

// WithLogger sets the logger of the session and its scheduler.
func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// NewSession starts the loaders of one request made by rc. Statements run
// on db.
func NewSession(ctx context.Context, compiler *query.Compiler, db batch.Querier, rc *strata.RequestContext, opts ...SessionOption) *Session {
	o := sessionOptions{
		cfg:    DefaultConfig(),
		hooks:  strata.NopCacheHooks{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		compiler: compiler,
		sched:    batch.NewScheduler(db, batch.WithLogger(o.logger)),
		scope:    query.NewScope(ctx, rc),
		cfg:      o.cfg,
		hooks:    o.hooks,
		logger:   o.logger,
		nodes:    make(map[string]*NodeLoader),
		conns:    make(map[string]*Loader),
	}
}

// Scheduler returns the scheduler shared by the session's loaders.
func (s *Session) Scheduler() *batch.Scheduler {
	return s.sched
}

// scopeFor derives the scope of a loader reading preview storage in locale.
func (s *Session) scopeFor(preview bool, locale string) *query.Scope {
	scope := *s.scope
	scope.Preview = preview
	scope.Locale = locale
	return &scope
}

// GetLoader returns the loader of typeName nodes by keyField, which must be
// the identity or a unique field.
func (s *Session) GetLoader(typeName, keyField string, preview bool, locale string) (*NodeLoader, error) {
	key := fmt.Sprintf("%s.%s|%t|%s", typeName, keyField, preview, locale)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.nodes[key]; ok {
		return l, nil
	}
	l, err := newNodeLoader(s, s.scopeFor(preview, locale), typeName, keyField)
	if err != nil {
		return nil, err
	}
	s.nodes[key] = l
	return l, nil
}

// GetConnectionLoader returns the loader paging through conn.
func (s *Session) GetConnectionLoader(conn *schema.ConnectionDefinition, preview bool, locale string) (*Loader, error) {
	if conn == nil {
		return nil, errors.New("connection loader requires a connection")
	}
	key := fmt.Sprintf("%s.%s|%t|%s", conn.SourceType, conn.Name, preview, locale)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.conns[key]; ok {
		return l, nil
	}
	l, err := newLoader(s, s.scopeFor(preview, locale), conn)
	if err != nil {
		return nil, err
	}
	s.conns[key] = l
	return l, nil
}

// LookupConnection resolves the connection connName of typeName.
func (s *Session) LookupConnection(typeName, connName string) (*schema.ConnectionDefinition, error) {
	typ := s.compiler.Types().Object(typeName)
	if typ == nil {
		return nil, errors.Wrapf(schema.ErrUnknownType, "type %s", typeName)
	}
	conn := typ.Connection(connName)
	if conn == nil {
		return nil, strata.NewUserInputError([]string{connName}, "unknown connection %s on %s", connName, typeName)
	}
	return conn, nil
}

// Dispatch runs every load issued so far in one statement.
func (s *Session) Dispatch(ctx context.Context) error {
	return s.sched.Flush(ctx)
}

type sessionKey struct{}

// NewContext returns a copy of ctx carrying s. Store lookups made with the
// returned context share s and therefore its batches.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session carried by ctx.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok && s != nil
}
