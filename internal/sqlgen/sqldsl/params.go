package sqldsl

import (
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// Params collects the bind values of one statement. Placeholders returned by
// Add render their position relative to the current base, so a statement can
// be rendered standalone (base 0) or merged into a larger one.
type Params struct {
	mu     sync.Mutex
	base   int
	values []any
}

// NewParams returns an empty parameter set.
func NewParams() *Params {
	return &Params{}
}

// Add registers v and returns a placeholder cast to cast. An empty cast
// renders the bare placeholder.
func (p *Params) Add(v any, cast string) Placeholder {
	p.values = append(p.values, v)
	return Placeholder{params: p, index: len(p.values) - 1, Cast: cast}
}

// AddArray registers a text array value and returns a placeholder cast to
// elemCast[]. Elements are sent as a PostgreSQL array literal and converted by
// the cast, which works the same under lib/pq and pgx.
func (p *Params) AddArray(values []string, elemCast string) Placeholder {
	return p.Add(pq.Array(values), elemCast+"[]")
}

// Values returns the bind values in placeholder order.
func (p *Params) Values() []any {
	return p.values
}

// Len returns the number of bind values.
func (p *Params) Len() int {
	return len(p.values)
}

// Render renders s with every placeholder of p shifted by base.
func (p *Params) Render(s SQLer, base int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = base
	defer func() { p.base = 0 }()
	return s.SQL()
}

// Placeholder is a positional bind parameter ($n).
type Placeholder struct {
	params *Params
	index  int
	Cast   string
}

// SQL renders the placeholder as $n or $n::cast.
func (ph Placeholder) SQL() string {
	n := ph.params.base + ph.index + 1
	if ph.Cast == "" {
		return fmt.Sprintf("$%d", n)
	}
	return fmt.Sprintf("$%d::%s", n, ph.Cast)
}
