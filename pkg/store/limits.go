package store

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/metrics"
	"github.com/pthm/strata/internal/naming"
	"github.com/pthm/strata/pkg/schema"
)

// Unlimited is the Remaining value of a quota that does not apply.
const Unlimited = -1

// Limits are record quotas. Zero values disable a quota.
type Limits struct {
	// Global bounds the rows of all types together.
	Global int64
	// PerType bounds the rows of individual types, by type name.
	PerType map[string]int64
}

func (l Limits) enabled(typeName string) bool {
	return l.Global > 0 || l.PerType[typeName] > 0
}

// RecordLimit is the quota state of one type.
type RecordLimit struct {
	// Global and Type are the configured limits, Unlimited when unset.
	Global int64
	Type   int64
	// Remaining is the number of rows that may still be created, or
	// Unlimited.
	Remaining int64
}

// GetRecordLimit returns the remaining row quota of typeName. Counts are
// the planner estimates of pg_class.reltuples over the draft tables, so
// they lag behind recent writes until the next ANALYZE. Trusted and ADMIN
// requests are never limited.
func (p *Postgres) GetRecordLimit(ctx context.Context, typeName string, rc *strata.RequestContext) (RecordLimit, error) {
	typ, err := p.object(typeName)
	if err != nil {
		return RecordLimit{}, err
	}
	limits := p.opts.limits
	unlimited := RecordLimit{Global: Unlimited, Type: Unlimited, Remaining: Unlimited}
	if !limits.enabled(typ.Name) || !p.scope(ctx, rc, false).RequirePermissions() {
		return unlimited, nil
	}

	counts, err := p.tableCounts(ctx)
	if err != nil {
		return RecordLimit{}, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}

	out := unlimited
	if limits.Global > 0 {
		out.Global = limits.Global
		out.Remaining = max(limits.Global-total, 0)
	}
	if n := limits.PerType[typ.Name]; n > 0 {
		out.Type = n
		remaining := max(n-counts[naming.Table(typ.Name)], 0)
		if out.Remaining == Unlimited || remaining < out.Remaining {
			out.Remaining = remaining
		}
	}
	return out, nil
}

// tableCounts returns the estimated row count of every draft table, by
// table name.
func (p *Postgres) tableCounts(ctx context.Context) (map[string]int64, error) {
	objects := p.compiler.Types().Objects()
	tables := make([]string, len(objects))
	for i, t := range objects {
		tables[i] = naming.Table(t.Name)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.relname, greatest(c.reltuples, 0)::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		AND c.relkind = 'r'
		AND c.relname = ANY($2::text[])
	`, p.opts.schema, pq.Array(tables))
	if err != nil {
		return nil, errors.Wrap(err, "reading table statistics")
	}
	defer rows.Close()

	counts := make(map[string]int64, len(tables))
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, errors.Wrap(err, "scanning table statistics")
		}
		counts[name] = n
	}
	metrics.Statements.WithLabelValues(metrics.KindQuota).Inc()
	return counts, rows.Err()
}

// checkQuota rejects a create of typ when its quota is exhausted.
func (p *Postgres) checkQuota(ctx context.Context, typ *schema.TypeDefinition, rc *strata.RequestContext) error {
	if !p.opts.limits.enabled(typ.Name) {
		return nil
	}
	limit, err := p.GetRecordLimit(ctx, typ.Name, rc)
	if err != nil {
		return err
	}
	if limit.Remaining == 0 {
		return strata.NewUserInputError(nil, "record limit reached for %s", typ.Name)
	}
	return nil
}
