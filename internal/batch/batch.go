// Package batch coalesces read statements into single round trips.
//
// Callers build a Plan per read, Enqueue it, and later Flush the scheduler.
// Flush renders every pending plan as a JSON-aggregated scalar subquery of
// one SELECT, renumbering bind parameters as it goes, so any number of reads
// costs one statement. There are no timers: flushing is explicit.
package batch

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/pthm/strata/internal/metrics"
	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

// ErrNotFlushed is returned by Pending.Rows before the scheduler holding it
// was flushed.
var ErrNotFlushed = errors.New("batch: result requested before flush")

// Querier runs the merged statement. *sql.DB, *sql.Conn and *sql.Tx satisfy
// it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Plan is one read statement together with its bind parameters.
type Plan struct {
	stmt   sqldsl.SQLer
	params *sqldsl.Params

	sql string
	// args is the JSON encoding of the bind values, nil when they cannot be
	// encoded. Such plans never share a result.
	args []byte
	hash uint64
}

// NewPlan wraps stmt, whose placeholders were allocated from params.
func NewPlan(stmt sqldsl.SQLer, params *sqldsl.Params) *Plan {
	p := &Plan{stmt: stmt, params: params}
	p.sql = params.Render(stmt, 0)
	if data, err := json.Marshal(params.Values()); err == nil {
		p.args = data
	}
	p.hash = planHash(p.sql, p.args)
	return p
}

// SQL renders the plan standalone.
func (p *Plan) SQL() string {
	return p.sql
}

// Args returns the bind values of the plan.
func (p *Plan) Args() []any {
	return p.params.Values()
}

// Key is the hash of the plan text and arguments. Distinct plans may share
// a key; Equal decides.
func (p *Plan) Key() string {
	return fmt.Sprintf("%016x", p.hash)
}

// Equal reports whether p and o render the same statement with the same
// arguments, so that they return equal rows within one flush.
func (p *Plan) Equal(o *Plan) bool {
	if p == o {
		return true
	}
	if p.args == nil || o.args == nil {
		return false
	}
	return p.hash == o.hash && p.sql == o.sql && bytes.Equal(p.args, o.args)
}

var planHash = func(sql string, args []byte) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(sql)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(args)
	return h.Sum64()
}

// Pending is the eventual result of an enqueued plan.
type Pending struct {
	plan *Plan
	done bool
	raw  []byte
	err  error
}

// Plan returns the plan the result belongs to.
func (p *Pending) Plan() *Plan {
	return p.plan
}

// Rows decodes the result rows. Numbers decode as json.Number.
func (p *Pending) Rows() ([]map[string]any, error) {
	var rows []map[string]any
	if err := p.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Decode unmarshals the JSON array of result rows into dst.
func (p *Pending) Decode(dst any) error {
	if !p.done {
		return ErrNotFlushed
	}
	if p.err != nil {
		return p.err
	}
	dec := json.NewDecoder(bytes.NewReader(p.raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "decode batch result")
	}
	return nil
}

// Source enqueues plans lazily. Registered sources are prepared at the start
// of every flush, so loaders that accumulate keys share the flush's statement.
type Source interface {
	Prepare() error
}

// Scheduler collects plans until Flush. It is safe for concurrent use.
type Scheduler struct {
	db     Querier
	logger *slog.Logger

	mu      sync.Mutex
	pending []*Pending
	// byHash buckets pending plans by Plan.hash.
	byHash  map[uint64][]*Pending
	sources []Source
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger flushes are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler returns a scheduler running its statements on db.
func NewScheduler(db Querier, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:     db,
		logger: slog.Default(),
		byHash: make(map[uint64][]*Pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue adds plan to the next flush. A plan equal to one already pending
// shares its result.
func (s *Scheduler) Enqueue(plan *Plan) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.byHash[plan.hash]
	for _, p := range bucket {
		if p.plan.Equal(plan) {
			return p
		}
	}
	p := &Pending{plan: plan}
	s.pending = append(s.pending, p)
	s.byHash[plan.hash] = append(bucket, p)
	return p
}

// Register adds src to the sources prepared by every flush.
func (s *Scheduler) Register(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// Len returns the number of distinct pending plans.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush runs every pending plan in one statement and resolves their
// results. A failed statement fails every plan of the flush.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	sources := append([]Source(nil), s.sources...)
	s.mu.Unlock()
	for _, src := range sources {
		if err := src.Prepare(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.byHash = make(map[uint64][]*Pending)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	query, args := merge(pending)
	start := time.Now()
	err := s.run(ctx, query, args, pending)
	metrics.BatchFlushes.Inc()
	metrics.BatchPlans.Observe(float64(len(pending)))
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	metrics.Statements.WithLabelValues(metrics.KindBatch).Inc()

	if err != nil {
		s.logger.Error("batch flush failed", "plans", len(pending), "error", err)
		for _, p := range pending {
			p.done, p.err = true, err
		}
		return err
	}
	s.logger.Debug("batch flushed", "plans", len(pending), "params", len(args), "duration", time.Since(start))
	return nil
}

// merge renders the pending plans into one statement:
//
//	SELECT
//	    (SELECT coalesce(json_agg(row_to_json(s0)), '[]'::json) FROM (<plan 0>) AS s0) AS r0,
//	    ...
func merge(pending []*Pending) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT\n")
	for i, p := range pending {
		if i > 0 {
			sb.WriteString(",\n")
		}
		rendered := p.plan.params.Render(p.plan.stmt, len(args))
		args = append(args, p.plan.Args()...)
		fmt.Fprintf(&sb, "    (SELECT coalesce(json_agg(row_to_json(s%d)), '[]'::json) FROM (\n%s\n    ) AS s%d) AS r%d",
			i, sqldsl.IndentLines(rendered, "        "), i, i)
	}
	return sb.String(), args
}

func (s *Scheduler) run(ctx context.Context, query string, args []any, pending []*Pending) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "batch query")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "batch query")
		}
		return errors.New("batch query returned no row")
	}
	raws := make([][]byte, len(pending))
	dest := make([]any, len(pending))
	for i := range raws {
		dest[i] = &raws[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return errors.Wrap(err, "scan batch result")
	}
	for i, p := range pending {
		p.done, p.raw = true, raws[i]
	}
	return rows.Err()
}
