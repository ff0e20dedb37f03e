package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/batch"
	"github.com/pthm/strata/internal/handler"
	"github.com/pthm/strata/internal/query"
	"github.com/pthm/strata/pkg/schema"
)

// PageInfo describes the position of a page within its connection.
type PageInfo struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
	EndCursor       string `json:"endCursor,omitempty"`
}

// Edge is one node of a page. Edge holds the edge row of join-type
// connections and is nil otherwise.
type Edge struct {
	Cursor string         `json:"cursor"`
	Node   map[string]any `json:"node"`
	Edge   map[string]any `json:"edge,omitempty"`
}

// Connection is one page of a connection.
type Connection struct {
	Edges    []Edge   `json:"edges"`
	PageInfo PageInfo `json:"pageInfo"`

	group *group
	key   string
}

// TotalCount returns the number of nodes of the connection, ignoring
// cursors and page size. It is computed on first use, for every key of the
// page's group at once.
func (c *Connection) TotalCount(ctx context.Context) (int, error) {
	return c.group.loader.count(ctx, c.group, c.key)
}

// group collects the source keys of one args key until the loader is
// prepared for a flush.
type group struct {
	loader *Loader
	args   Args
	win    window
	keys   []string
	seen   map[string]struct{}

	err     error
	pending *batch.Pending

	decodeOnce sync.Once
	rows       map[string][]map[string]any
	decodeErr  error

	countMu sync.Mutex
	counts  map[string]int
}

func (g *group) add(key string) {
	if _, ok := g.seen[key]; ok {
		return
	}
	g.seen[key] = struct{}{}
	g.keys = append(g.keys, key)
}

// result decodes the group rows once, indexed by source key.
func (g *group) result() (map[string][]map[string]any, error) {
	g.decodeOnce.Do(func() {
		var out []struct {
			Key  string           `json:"key"`
			Rows []map[string]any `json:"rows"`
		}
		if err := g.pending.Decode(&out); err != nil {
			g.decodeErr = err
			return
		}
		g.rows = make(map[string][]map[string]any, len(out))
		for _, r := range out {
			g.rows[r.Key] = r.Rows
		}
	})
	return g.rows, g.decodeErr
}

// Loader batches page loads of one connection. Loads issued before a flush
// are grouped by their arguments; each group costs one plan of the flush.
// A Loader belongs to one request.
type Loader struct {
	compiler *query.Compiler
	sched    *batch.Scheduler
	scope    *query.Scope
	cfg      Config
	hooks    strata.CacheHooks
	logger   *slog.Logger

	conn *schema.ConnectionDefinition
	node *schema.TypeDefinition
	edge *schema.TypeDefinition
	// source is the field compared with the source key: NodeField on the
	// node, or EdgeSourceField on the edge of join connections.
	source handler.Handler

	mu sync.Mutex
	// open holds the groups of the next flush, in first-load order.
	open  map[string]*group
	order []*group
}

func newLoader(s *Session, scope *query.Scope, conn *schema.ConnectionDefinition) (*Loader, error) {
	types := s.compiler.Types()
	l := &Loader{
		compiler: s.compiler,
		sched:    s.sched,
		scope:    scope,
		cfg:      s.cfg,
		hooks:    s.hooks,
		logger:   s.logger,
		conn:     conn,
		node:     types.Object(conn.NodeType),
		open:     make(map[string]*group),
	}
	if l.node == nil {
		return nil, errors.Wrapf(schema.ErrUnknownType, "connection %s.%s targets %s", conn.SourceType, conn.Name, conn.NodeType)
	}
	var err error
	if conn.IsJoin() {
		if l.edge = types.Object(conn.EdgeType); l.edge == nil {
			return nil, errors.Wrapf(schema.ErrUnknownType, "connection %s.%s goes through %s", conn.SourceType, conn.Name, conn.EdgeType)
		}
		l.source, err = s.compiler.Handlers().ResolveName(l.edge, conn.EdgeSourceField)
	} else {
		l.source, err = s.compiler.Handlers().ResolveName(l.node, conn.NodeField)
	}
	if err != nil {
		return nil, err
	}
	s.sched.Register(l)
	return l, nil
}

// Connection returns the definition the loader pages through.
func (l *Loader) Connection() *schema.ConnectionDefinition {
	return l.conn
}

// Load requests the page of the connection starting at the source row whose
// key is sourceKey. Invalid arguments, including a key the source column
// cannot hold, fail the returned thunk only.
func (l *Loader) Load(sourceKey any, args Args) *Thunk {
	v, err := l.source.ToStore(sourceKey)
	if err != nil {
		return &Thunk{err: err}
	}
	if v == nil {
		return &Thunk{err: strata.NewUserInputError([]string{l.conn.Name}, "connection %s.%s needs a source key", l.conn.SourceType, l.conn.Name)}
	}
	win, err := args.window(l.cfg)
	if err != nil {
		return &Thunk{err: err}
	}
	argsKey, err := args.key()
	if err != nil {
		return &Thunk{err: err}
	}
	key := handler.KeyText(v)

	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.open[argsKey]
	if !ok {
		g = &group{loader: l, args: args, win: win, seen: make(map[string]struct{})}
		l.open[argsKey] = g
		l.order = append(l.order, g)
	}
	g.add(key)
	return &Thunk{loader: l, group: g, key: key}
}

// Prepare enqueues one plan per open group. It is called by the scheduler
// at the start of every flush.
func (l *Loader) Prepare() error {
	l.mu.Lock()
	open := l.order
	l.open, l.order = make(map[string]*group), nil
	l.mu.Unlock()

	for _, g := range open {
		plan, err := l.pagePlan(g)
		if err != nil {
			g.err = err
			continue
		}
		g.pending = l.sched.Enqueue(plan)
	}
	return nil
}

// Dispatch flushes the scheduler the loader shares with its session.
func (l *Loader) Dispatch(ctx context.Context) error {
	return l.sched.Flush(ctx)
}

// Thunk is the deferred page of one Load.
type Thunk struct {
	loader *Loader
	group  *group
	key    string
	err    error
}

// Get returns the page, flushing the scheduler first when the page has not
// been fetched yet.
func (t *Thunk) Get(ctx context.Context) (*Connection, error) {
	if t.err != nil {
		return nil, t.err
	}
	g := t.group
	if g.pending == nil && g.err == nil {
		if err := t.loader.sched.Flush(ctx); err != nil {
			return nil, err
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	rows, err := g.result()
	if err != nil {
		return nil, err
	}
	return t.loader.build(ctx, g, t.key, rows[t.key])
}

// build turns the fetched rows of one key into a page. rows holds up to
// limit+1 rows in fetch order.
func (l *Loader) build(ctx context.Context, g *group, key string, rows []map[string]any) (*Connection, error) {
	l.hooks.DependsOn(ctx, l.node.Name, "")

	hasMore := len(rows) > g.win.limit
	if hasMore {
		rows = rows[:g.win.limit]
	}
	if g.win.backward {
		rows = slices.Clone(rows)
		slices.Reverse(rows)
	}

	handlers := l.compiler.Handlers()
	conn := &Connection{Edges: make([]Edge, 0, len(rows)), group: g, key: key}
	for _, raw := range rows {
		node, err := handlers.DecodeRow(l.node, raw)
		if err != nil {
			return nil, err
		}
		id := handler.KeyText(node[schema.IdentityField])
		edge := Edge{Cursor: EncodeCursor(id), Node: node}
		if l.edge != nil {
			edgeRaw, _ := raw[edgeColumn].(map[string]any)
			if edge.Edge, err = handlers.DecodeRow(l.edge, edgeRaw); err != nil {
				return nil, err
			}
		}
		l.hooks.DependsOn(ctx, l.node.Name, id)
		conn.Edges = append(conn.Edges, edge)
	}

	w := g.win
	if w.backward {
		conn.PageInfo.HasPreviousPage = hasMore || w.after != ""
		conn.PageInfo.HasNextPage = w.before != "" || w.skip > 0
	} else {
		conn.PageInfo.HasNextPage = hasMore || w.before != ""
		conn.PageInfo.HasPreviousPage = w.after != "" || w.skip > 0
	}
	if n := len(conn.Edges); n > 0 {
		conn.PageInfo.StartCursor = conn.Edges[0].Cursor
		conn.PageInfo.EndCursor = conn.Edges[n-1].Cursor
	}
	return conn, nil
}

// count resolves the total count of key, enqueueing and flushing the count
// plan of g on first use.
func (l *Loader) count(ctx context.Context, g *group, key string) (int, error) {
	g.countMu.Lock()
	defer g.countMu.Unlock()
	if g.counts == nil {
		plan, err := l.countPlan(g)
		if err != nil {
			return 0, err
		}
		pending := l.sched.Enqueue(plan)
		if err := l.sched.Flush(ctx); err != nil {
			return 0, err
		}
		var out []struct {
			Key   string      `json:"key"`
			Count json.Number `json:"count"`
		}
		if err := pending.Decode(&out); err != nil {
			return 0, err
		}
		g.counts = make(map[string]int, len(out))
		for _, r := range out {
			n, err := strconv.Atoi(r.Count.String())
			if err != nil {
				return 0, errors.Wrapf(err, "count of %s", r.Key)
			}
			g.counts[r.Key] = n
		}
		l.logger.Debug("connection counted", "type", l.node.Name, "connection", l.conn.Name, "keys", len(out))
	}
	return g.counts[key], nil
}
