// Package parser is the boundary to the external PostgreSQL parser and
// deparser. The rest of the repository only sees parsed statement trees
// and rendered SQL text, never raw token streams.
package parser

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pkg/errors"
)

// ParseSQL splits sql into its parsed statements. A single input may carry
// any number of statements separated by semicolons; blank input yields an
// empty slice and no error.
func ParseSQL(sql string) ([]*pg_query.RawStmt, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, errors.Wrap(err, "parse sql error")
	}
	return result.Stmts, nil
}

// DeparseStmt renders a single (possibly rewritten) statement tree back to
// SQL text with standard keyword casing and minimal identifier quoting.
func DeparseStmt(stmt *pg_query.RawStmt) (string, error) {
	out, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{stmt},
	})
	if err != nil {
		return "", errors.Wrap(err, "deparse statement error")
	}
	return out, nil
}
