package connection

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/batch"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
	"github.com/pthm/strata/pkg/schema"
)

// NodeLoader batches point lookups of one type by one unique key field.
// Every key requested before a flush is fetched by a single
// key = ANY($1) statement with the READ permission applied.
type NodeLoader struct {
	compiler *query.Compiler
	sched    *batch.Scheduler
	scope    *query.Scope
	hooks    strata.CacheHooks

	typ *schema.TypeDefinition
	key handler.Handler

	mu   sync.Mutex
	open *nodeBatch
}

type nodeBatch struct {
	keys []string
	seen map[string]struct{}

	err     error
	pending *batch.Pending

	decodeOnce sync.Once
	nodes      map[string]map[string]any
	decodeErr  error
}

func newNodeLoader(s *Session, scope *query.Scope, typeName, keyField string) (*NodeLoader, error) {
	typ := s.compiler.Types().Object(typeName)
	if typ == nil {
		return nil, errors.Wrapf(schema.ErrUnknownType, "loader for %s", typeName)
	}
	f := typ.Field(keyField)
	if f == nil || f.List || !(f.IsIdentity() || f.Unique) {
		return nil, strata.NewHandlerError(typeName, keyField, "loader keys must be the identity or a unique field")
	}
	h, err := s.compiler.Handlers().Resolve(typ, f)
	if err != nil {
		return nil, err
	}
	l := &NodeLoader{
		compiler: s.compiler,
		sched:    s.sched,
		scope:    scope,
		hooks:    s.hooks,
		typ:      typ,
		key:      h,
	}
	s.sched.Register(l)
	return l, nil
}

// Type returns the type the loader looks up.
func (l *NodeLoader) Type() *schema.TypeDefinition {
	return l.typ
}

// Load requests the node whose key field equals key. A key the key field
// cannot represent fails the returned thunk only.
func (l *NodeLoader) Load(key any) *NodeThunk {
	v, err := l.key.ToStore(key)
	if err != nil {
		return &NodeThunk{err: err}
	}
	if v == nil {
		return &NodeThunk{}
	}
	text := handler.KeyText(v)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		l.open = &nodeBatch{seen: make(map[string]struct{})}
	}
	b := l.open
	if _, ok := b.seen[text]; !ok {
		b.seen[text] = struct{}{}
		b.keys = append(b.keys, text)
	}
	return &NodeThunk{loader: l, batch: b, key: text}
}

// LoadMany requests several nodes at once.
func (l *NodeLoader) LoadMany(keys []any) []*NodeThunk {
	out := make([]*NodeThunk, len(keys))
	for i, k := range keys {
		out[i] = l.Load(k)
	}
	return out
}

// Prepare enqueues the lookup of every key requested since the last flush.
func (l *NodeLoader) Prepare() error {
	l.mu.Lock()
	b := l.open
	l.open = nil
	l.mu.Unlock()
	if b == nil {
		return nil
	}

	plan, err := l.plan(b.keys)
	if err != nil {
		b.err = err
		return nil
	}
	b.pending = l.sched.Enqueue(plan)
	return nil
}

// plan renders SELECT n1.* FROM t AS n1 WHERE n1."key" = ANY($1::cast[]) with
// visibility and READ permission conjoined.
func (l *NodeLoader) plan(keys []string) (*batch.Plan, error) {
	c := l.compiler
	st := query.NewStatement(l.scope)
	alias := st.Aliases.Next("n")
	stmt := &sqldsl.SelectStmt{
		ColumnExprs: []sqldsl.Expr{sqldsl.Star(alias)},
		FromExpr:    c.From(l.scope, l.typ, alias),
		Where: sqldsl.AnyOf{
			Left:  query.Column(alias, l.key.Field().Name),
			Array: st.Params.AddArray(keys, l.key.Cast()),
		},
	}
	stmt.AndWhere(c.Visibility(st, l.typ, alias))
	if err := c.ApplyPermission(st, stmt, l.typ, alias, schema.OpRead); err != nil {
		return nil, err
	}
	return batch.NewPlan(stmt, st.Params), nil
}

// Dispatch flushes the scheduler the loader shares with its session.
func (l *NodeLoader) Dispatch(ctx context.Context) error {
	return l.sched.Flush(ctx)
}

func (b *nodeBatch) result(l *NodeLoader) (map[string]map[string]any, error) {
	b.decodeOnce.Do(func() {
		rows, err := b.pending.Rows()
		if err != nil {
			b.decodeErr = err
			return
		}
		b.nodes = make(map[string]map[string]any, len(rows))
		for _, raw := range rows {
			node, err := l.compiler.Handlers().DecodeRow(l.typ, raw)
			if err != nil {
				b.decodeErr = err
				return
			}
			k, err := l.key.ToStore(node[l.key.Field().Name])
			if err != nil {
				b.decodeErr = err
				return
			}
			b.nodes[handler.KeyText(k)] = node
		}
	})
	return b.nodes, b.decodeErr
}

// NodeThunk is the deferred result of one NodeLoader.Load.
type NodeThunk struct {
	loader *NodeLoader
	batch  *nodeBatch
	key    string
	err    error
}

// Get returns the node, or nil when no visible node has the key. The
// scheduler is flushed first when the lookup has not run yet.
func (t *NodeThunk) Get(ctx context.Context) (map[string]any, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.batch == nil {
		return nil, nil
	}
	b := t.batch
	if b.pending == nil && b.err == nil {
		if err := t.loader.sched.Flush(ctx); err != nil {
			return nil, err
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	nodes, err := b.result(t.loader)
	if err != nil {
		return nil, err
	}
	node, ok := nodes[t.key]
	if !ok {
		return nil, nil
	}
	id := handler.KeyText(node[schema.IdentityField])
	t.loader.hooks.DependsOn(ctx, t.loader.typ.Name, id)
	return node, nil
}
