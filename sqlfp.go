// Package sqlfp computes normalized fingerprints of SQL statements.
// Structurally identical statements that differ only in literal values,
// column lists, or redundant identifier quoting collapse to the same
// canonical string, with elided sub-trees rendered as the token "...".
// Fingerprints are useful as grouping keys for query logs, cost analysis,
// and caches, where the particular values supplied do not matter.
package sqlfp

import (
	"strings"

	"github.com/pgtools/sqlfp/internal/visitor"
	"github.com/pgtools/sqlfp/pkg/parser"
)

// the deparser quotes the placeholder like any other non-word identifier;
// the quoting is stripped when rendering the fingerprint
var quotedPlaceholder = `"` + visitor.Placeholder + `"`

// One fingerprints a single SQL string. Unparsable SQL is returned as-is.
//
// Example:
//
//	sqlfp.One("SELECT a, b FROM c ORDER BY b")
//	// "SELECT ... FROM c ORDER BY ..."
func One(sql string) string {
	return Many([]string{sql})[0]
}

// Many fingerprints a batch of SQL strings, returning one fingerprint per
// input in input order. The whole batch shares one visitor, so state such
// as savepoint aliases is numbered consistently across inputs. An input
// that fails to parse is returned as-is; the failure is local to that
// element and does not disturb the rest of the batch. An input holding
// several statements yields their fingerprints joined by a single space;
// a blank input yields "".
func Many(sqls []string) []string {
	v := visitor.New()
	out := make([]string, 0, len(sqls))

	for _, sql := range sqls {
		stmts, err := parser.ParseSQL(sql)
		if err != nil {
			out = append(out, sql)
			continue
		}

		parts := make([]string, 0, len(stmts))
		for _, stmt := range stmts {
			v.VisitStmt(stmt)
			text, err := parser.DeparseStmt(stmt)
			if err != nil {
				// best-effort: degrade this element to its input rather
				// than failing the batch
				parts = nil
				break
			}
			parts = append(parts, render(text))
		}
		if parts == nil {
			out = append(out, sql)
			continue
		}
		out = append(out, strings.Join(parts, " "))
	}
	return out
}

func render(text string) string {
	return strings.ReplaceAll(text, quotedPlaceholder, visitor.Placeholder)
}
