package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm/strata/internal/sqlgen/sqldsl"
)

func TestTriggerFunctionSQL(t *testing.T) {
	fn := triggerFunction{
		name:    `"public"."article_history_fn"`,
		comment: "Copies article rows into article__history",
		body: []stmt{
			ifStmt{
				cond: sqldsl.Raw("TG_OP = 'UPDATE' AND OLD IS NOT DISTINCT FROM NEW"),
				then: []stmt{returnStmt{value: sqldsl.Raw("NEW")}},
			},
			execStmt{query: sqldsl.Raw("INSERT INTO h SELECT NEW.*")},
			returnStmt{value: sqldsl.Raw("NEW")},
		},
	}

	want := strings.Join([]string{
		"-- Copies article rows into article__history",
		`CREATE OR REPLACE FUNCTION "public"."article_history_fn"() RETURNS trigger AS $$`,
		"BEGIN",
		"    IF TG_OP = 'UPDATE' AND OLD IS NOT DISTINCT FROM NEW THEN",
		"        RETURN NEW;",
		"    END IF;",
		"    INSERT INTO h SELECT NEW.*;",
		"    RETURN NEW;",
		"END;",
		"$$ LANGUAGE plpgsql VOLATILE;",
	}, "\n")
	assert.Equal(t, want, fn.SQL())
}

func TestRowTrigger(t *testing.T) {
	assert.Equal(t, []string{
		`DROP TRIGGER IF EXISTS "t_trg" ON "public"."t"`,
		`CREATE TRIGGER "t_trg" AFTER INSERT OR UPDATE ON "public"."t" FOR EACH ROW EXECUTE FUNCTION "public"."t_fn"()`,
	}, rowTrigger(`"t_trg"`, `"public"."t"`, `"public"."t_fn"`))
}
