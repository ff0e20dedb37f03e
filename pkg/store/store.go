// Package store runs the operations of a type map against PostgreSQL:
// point and set lookups, single-row mutations with permission re-checks,
// publishing of content types, record quotas, batched loaders and
// migrations.
//
//	s, err := store.New(db, types, store.WithSchema("app"))
//	user, err := s.Find(ctx, "User", map[string]any{"email": "ada@example.com"}, rc, false)
//
// Every mutation runs in its own transaction. Rows are written, then
// re-checked against the permission predicate of the operation; a failing
// re-check rolls the transaction back and reports access denied.
package store

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/pkg/connection"
	"github.com/pthm/strata/pkg/migrator"
	"github.com/pthm/strata/pkg/schema"
)

// Store is the operation surface consumed by the API layer.
type Store interface {
	Find(ctx context.Context, typeName string, where map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error)
	FetchAll(ctx context.Context, typeName string, where map[string]any, rc *strata.RequestContext, preview bool) ([]map[string]any, error)

	Create(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error)
	Update(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error)
	Upsert(ctx context.Context, typeName string, values map[string]any, rc *strata.RequestContext, preview bool) (map[string]any, error)
	Delete(ctx context.Context, typeName string, id any, rc *strata.RequestContext, preview bool) (map[string]any, error)

	Publish(ctx context.Context, typeName string, ids []any, status string, rc *strata.RequestContext) ([]map[string]any, error)
	Unpublish(ctx context.Context, typeName string, ids []any, status string, rc *strata.RequestContext) ([]map[string]any, error)

	Session(ctx context.Context, rc *strata.RequestContext) *connection.Session
	GetLoader(ctx context.Context, rc *strata.RequestContext, typeName, keyField string, preview bool, locale string) (*connection.NodeLoader, error)
	GetConnectionLoader(ctx context.Context, rc *strata.RequestContext, typeName, connName string, preview bool, locale string) (*connection.Loader, error)

	GetRecordLimit(ctx context.Context, typeName string, rc *strata.RequestContext) (RecordLimit, error)
	Migrate(ctx context.Context, next, current schema.TypeMap) (*migrator.Result, error)
}

// DB is the database handle of a store. *sql.DB satisfies it.
type DB interface {
	queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Postgres is the PostgreSQL implementation of Store.
type Postgres struct {
	db       DB
	compiler *query.Compiler
	opts     options
}

var _ Store = (*Postgres)(nil)

type options struct {
	schema      string
	userType    string
	limits      Limits
	pagination  connection.Config
	hooks       strata.CacheHooks
	logger      *slog.Logger
	retention   int
	parallelism int
}

// Option configures a Postgres store.
type Option func(*options)

// WithSchema qualifies every table with a PostgreSQL schema.
func WithSchema(name string) Option {
	return func(o *options) {
		o.schema = name
	}
}

// WithUserType sets the type principals are stored in.
func WithUserType(name string) Option {
	return func(o *options) {
		o.userType = name
	}
}

// WithLimits sets the record quotas enforced by Create and Upsert.
func WithLimits(l Limits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithPagination sets the page bounds of connection loaders.
func WithPagination(cfg connection.Config) Option {
	return func(o *options) {
		o.pagination = cfg
	}
}

// WithHooks sets the cache hooks notified of lookups and mutations.
func WithHooks(h strata.CacheHooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithLogger sets the logger of the store, its sessions and its migrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHistoryRetention sets the history retention of content types that
// set none.
func WithHistoryRetention(n int) Option {
	return func(o *options) {
		o.retention = n
	}
}

// WithMigrationParallelism bounds the concurrent actions of a migration
// phase.
func WithMigrationParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// New returns a store for types. The type map is validated once here.
func New(db DB, types schema.TypeMap, opts ...Option) (*Postgres, error) {
	if err := schema.Validate(types); err != nil {
		return nil, err
	}
	o := options{
		schema:     "public",
		userType:   query.DefaultUserType,
		pagination: connection.DefaultConfig(),
		hooks:      strata.NopCacheHooks{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	compiler := query.NewCompiler(handler.NewRegistry(types),
		query.WithSchema(o.schema),
		query.WithUserType(o.userType),
	)
	return &Postgres{db: db, compiler: compiler, opts: o}, nil
}

// Compiler returns the compiler the store renders statements with.
func (p *Postgres) Compiler() *query.Compiler {
	return p.compiler
}

func (p *Postgres) object(typeName string) (*schema.TypeDefinition, error) {
	typ := p.compiler.Types().Object(typeName)
	if typ == nil {
		return nil, errors.Wrapf(schema.ErrUnknownType, "type %s", typeName)
	}
	return typ, nil
}

// scope resolves the request scope of an operation. The preview argument
// of the operation takes precedence over the request's.
func (p *Postgres) scope(ctx context.Context, rc *strata.RequestContext, preview bool) *query.Scope {
	scope := query.NewScope(ctx, rc)
	scope.Preview = preview
	return scope
}

// Session starts the loader session of one request.
func (p *Postgres) Session(ctx context.Context, rc *strata.RequestContext) *connection.Session {
	return connection.NewSession(ctx, p.compiler, p.db, rc,
		connection.WithConfig(p.opts.pagination),
		connection.WithHooks(p.opts.hooks),
		connection.WithLogger(p.opts.logger),
	)
}

// session returns the session carried by ctx, or a new one for rc.
func (p *Postgres) session(ctx context.Context, rc *strata.RequestContext) *connection.Session {
	if s, ok := connection.FromContext(ctx); ok {
		return s
	}
	return p.Session(ctx, rc)
}

// GetLoader returns the node loader of typeName by keyField. Loaders of
// the session carried by ctx (see connection.NewContext) share one batch;
// without one, a fresh session is started.
func (p *Postgres) GetLoader(ctx context.Context, rc *strata.RequestContext, typeName, keyField string, preview bool, locale string) (*connection.NodeLoader, error) {
	return p.session(ctx, rc).GetLoader(typeName, keyField, preview, locale)
}

// GetConnectionLoader returns the loader of the connection connName of
// typeName.
func (p *Postgres) GetConnectionLoader(ctx context.Context, rc *strata.RequestContext, typeName, connName string, preview bool, locale string) (*connection.Loader, error) {
	s := p.session(ctx, rc)
	conn, err := s.LookupConnection(typeName, connName)
	if err != nil {
		return nil, err
	}
	return s.GetConnectionLoader(conn, preview, locale)
}

// Migrate brings the database from current to next. A nil current is read
// from the migrations table. The store keeps compiling against the type map
// it was created with; build a new store for next.
func (p *Postgres) Migrate(ctx context.Context, next, current schema.TypeMap) (*migrator.Result, error) {
	m := migrator.New(p.db, migrator.Options{
		Schema:      p.opts.schema,
		Parallelism: p.opts.parallelism,
		Retention:   p.opts.retention,
		Logger:      p.opts.logger,
	})
	return m.Migrate(ctx, next, current)
}
