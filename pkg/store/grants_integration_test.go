package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/strata"
	"github.com/pthm/strata/internal/testutil"
	"github.com/pthm/strata/pkg/schema"
)

type ticket struct {
	id    string
	owner string
	level int
	open  bool
}

// grantQuery is a READ query together with the rows it selects.
type grantQuery struct {
	query string
	match func(ticket) bool
}

var grantQueries = []grantQuery{
	{``, func(ticket) bool { return true }},
	{`query { node(filter: {level: {gt: 2}}) }`, func(t ticket) bool { return t.level > 2 }},
	{`query { node(filter: {open: {eq: true}}) }`, func(t ticket) bool { return t.open }},
	{`query { node(filter: {owner: {eq: "u1"}}) }`, func(t ticket) bool { return t.owner == "u1" }},
	{
		`query { node(filter: {OR: [{level: {lte: 1}}, {owner: {eq: "u2"}}]}) }`,
		func(t ticket) bool { return t.level <= 1 || t.owner == "u2" },
	},
	{
		`query { node(filter: {AND: [{open: {eq: false}}, {level: {gte: 1}}]}) }`,
		func(t ticket) bool { return !t.open && t.level >= 1 },
	},
}

var grantRoles = []string{strata.RoleAnonymous, strata.RoleAuthenticated, strata.RoleStaff}

type grant struct {
	role  string
	query int
}

func ticketTypes(grants []grant) schema.TypeMap {
	perms := make([]schema.Permission, len(grants))
	for i, g := range grants {
		perms[i] = schema.Permission{
			Role:       g.role,
			Operations: []schema.Operation{schema.OpRead},
			Query:      grantQueries[g.query].query,
		}
	}
	return schema.New(&schema.TypeDefinition{
		Name: "Ticket",
		Fields: []schema.FieldDefinition{
			{Name: "id", Type: schema.ScalarID},
			{Name: "owner", Type: schema.ScalarString},
			{Name: "level", Type: schema.ScalarInt},
			{Name: "open", Type: schema.ScalarBoolean},
		},
		Permissions: perms,
	})
}

func seedTickets(t *testing.T) (*Postgres, []ticket) {
	t.Helper()
	ctx := context.Background()
	db := testutil.DB(t)
	s, err := New(db, ticketTypes(nil))
	require.NoError(t, err)
	_, err = s.Migrate(ctx, ticketTypes(nil), nil)
	require.NoError(t, err)

	var tickets []ticket
	for level := range 5 {
		for i, owner := range []string{"u1", "u2", "u3"} {
			tk := ticket{owner: owner, level: level, open: (level+i)%2 == 0}
			node, err := s.Create(ctx, "Ticket", map[string]any{"owner": tk.owner, "level": tk.level, "open": tk.open}, strata.Trusted(), false)
			require.NoError(t, err)
			tk.id = node["id"].(string)
			tickets = append(tickets, tk)
		}
	}
	return s, tickets
}

func visibleIDs(t *testing.T, s *Postgres, grants []grant, rc *strata.RequestContext) []string {
	t.Helper()
	scoped, err := New(s.db, ticketTypes(grants))
	require.NoError(t, err)
	nodes, err := scoped.FetchAll(context.Background(), "Ticket", map[string]any{}, rc, false)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n["id"].(string))
	}
	slices.Sort(ids)
	return ids
}

func union(sets ...[]string) []string {
	out := []string{}
	for _, s := range sets {
		out = append(out, s...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func TestIntegrationGrantsCombineWithOr(t *testing.T) {
	s, tickets := seedTickets(t)
	rng := rand.New(rand.NewPCG(7, 11))
	principals := map[string]*strata.RequestContext{
		"anonymous": strata.Anonymous(),
		"user":      strata.Authenticated("u1"),
		"staff":     strata.Authenticated("u2", strata.RoleStaff),
	}

	t.Run("no grants", func(t *testing.T) {
		for name, rc := range principals {
			assert.Empty(t, visibleIDs(t, s, nil, rc), name)
		}
	})

	for i := range 20 {
		grants := make([]grant, 1+rng.IntN(4))
		for j := range grants {
			grants[j] = grant{role: grantRoles[rng.IntN(len(grantRoles))], query: rng.IntN(len(grantQueries))}
		}

		for name, rc := range principals {
			t.Run(fmt.Sprintf("set %d %s", i, name), func(t *testing.T) {
				var singles [][]string
				want := []string{}
				for _, g := range grants {
					singles = append(singles, visibleIDs(t, s, []grant{g}, rc))
					if !rc.HasRole(g.role) {
						continue
					}
					for _, tk := range tickets {
						if grantQueries[g.query].match(tk) {
							want = append(want, tk.id)
						}
					}
				}
				want = union(want)

				got := visibleIDs(t, s, grants, rc)
				assert.Equal(t, union(singles...), got, "grants %v", grants)
				assert.Equal(t, want, got, "grants %v", grants)
			})
		}
	}
}
