package visitor

import (
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/stretchr/testify/assert"
)

func parseOne(t *testing.T, sql string) *pg_query.RawStmt {
	t.Helper()
	result, err := pg_query.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	if len(result.Stmts) != 1 {
		t.Fatalf("parse %q: got %d statements", sql, len(result.Stmts))
	}
	return result.Stmts[0]
}

func isPlaceholderExpr(n *pg_query.Node) bool {
	fields := n.GetColumnRef().GetFields()
	return len(fields) == 1 && fields[0].GetString_().GetSval() == Placeholder
}

func TestVisitStmt_RollupGroupingUntouched(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a, sum(b) FROM t GROUP BY ROLLUP (a, c)")
	New().VisitStmt(raw)

	sel := raw.GetStmt().GetSelectStmt()
	as.Len(sel.GroupClause, 1)
	as.NotNil(sel.GroupClause[0].GetGroupingSet())
	as.Len(sel.GroupClause[0].GetGroupingSet().GetContent(), 2)
}

func TestVisitStmt_WithTiesLimitUntouched(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a FROM t ORDER BY b FETCH FIRST 3 ROWS WITH TIES")
	New().VisitStmt(raw)

	sel := raw.GetStmt().GetSelectStmt()
	as.Equal(pg_query.LimitOption_LIMIT_OPTION_WITH_TIES, sel.LimitOption)
	as.NotNil(sel.LimitCount.GetAConst(), "constant operand must survive")
	// the sort key still collapses
	as.True(isPlaceholderExpr(sel.SortClause[0].GetSortBy().GetNode()))
}

func TestVisitStmt_ChainedSetOperation(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a, b FROM t UNION SELECT c FROM u INTERSECT SELECT d, e FROM w")
	New().VisitStmt(raw)

	var leaves []*pg_query.SelectStmt
	var walk func(q *pg_query.SelectStmt)
	walk = func(q *pg_query.SelectStmt) {
		if q == nil {
			return
		}
		if q.Op == pg_query.SetOperation_SETOP_NONE {
			leaves = append(leaves, q)
			return
		}
		walk(q.Larg)
		walk(q.Rarg)
	}
	walk(raw.GetStmt().GetSelectStmt())

	as.Len(leaves, 3)
	for _, leaf := range leaves {
		as.Len(leaf.TargetList, 1)
		as.True(isPlaceholderExpr(leaf.TargetList[0].GetResTarget().GetVal()))
	}
}

func TestVisitStmt_JoinKindsSurvive(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	tests := []struct {
		sql  string
		kind pg_query.JoinType
	}{
		{"SELECT a FROM t JOIN u ON t.x = u.x", pg_query.JoinType_JOIN_INNER},
		{"SELECT a FROM t LEFT JOIN u ON t.x = u.x", pg_query.JoinType_JOIN_LEFT},
		{"SELECT a FROM t FULL JOIN u ON t.x = u.x", pg_query.JoinType_JOIN_FULL},
	}
	for _, tc := range tests {
		raw := parseOne(t, tc.sql)
		New().VisitStmt(raw)

		join := raw.GetStmt().GetSelectStmt().FromClause[0].GetJoinExpr()
		as.Equal(tc.kind, join.Jointype, tc.sql)
		as.True(isPlaceholderExpr(join.Quals), tc.sql)
	}
}

func TestVisitStmt_UsingJoinUntouched(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a FROM t JOIN u USING (x, y)")
	New().VisitStmt(raw)

	join := raw.GetStmt().GetSelectStmt().FromClause[0].GetJoinExpr()
	as.Nil(join.Quals)
	as.Len(join.UsingClause, 2)
}

func TestVisitStmt_NestedSubqueries(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a FROM (SELECT b FROM (SELECT c FROM t WHERE x = 1) q1 WHERE y = 2) q2")
	New().VisitStmt(raw)

	outer := raw.GetStmt().GetSelectStmt()
	mid := outer.FromClause[0].GetRangeSubselect().GetSubquery().GetSelectStmt()
	inner := mid.FromClause[0].GetRangeSubselect().GetSubquery().GetSelectStmt()
	as.True(isPlaceholderExpr(mid.WhereClause))
	as.True(isPlaceholderExpr(inner.WhereClause))
	as.True(isPlaceholderExpr(inner.TargetList[0].GetResTarget().GetVal()))
}

func TestVisitStmt_UnnestAliasColumns(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT * FROM unnest(ARRAY[1, 2], ARRAY[3, 4]) AS u(a, b)")
	New().VisitStmt(raw)

	rf := raw.GetStmt().GetSelectStmt().FromClause[0].GetRangeFunction()
	as.Len(rf.Alias.Colnames, 1)
	as.Equal(Placeholder, rf.Alias.Colnames[0].GetString_().GetSval())
}

func TestVisitStmt_QualifiedUnnestCollapses(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT * FROM pg_catalog.unnest(ARRAY[1, 2, 3])")
	New().VisitStmt(raw)

	rf := raw.GetStmt().GetSelectStmt().FromClause[0].GetRangeFunction()
	call := rf.Functions[0].GetList().GetItems()[0].GetFuncCall()
	as.Len(call.Args, 1)
	as.True(isPlaceholderExpr(call.Args[0]))
}

func TestVisitStmt_NonUnnestFunctionUntouched(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT * FROM generate_series(1, 10) AS g(n)")
	New().VisitStmt(raw)

	rf := raw.GetStmt().GetSelectStmt().FromClause[0].GetRangeFunction()
	as.Len(rf.Alias.Colnames, 1)
	as.Equal("n", rf.Alias.Colnames[0].GetString_().GetSval())
}

func TestVisitStmt_UnknownStatementKindNoOp(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	sql := "CREATE TABLE t (id int PRIMARY KEY, name text DEFAULT 'anon')"
	raw := parseOne(t, sql)
	before, err := pg_query.Deparse(&pg_query.ParseResult{Stmts: []*pg_query.RawStmt{raw}})
	as.NoError(err)

	New().VisitStmt(raw)
	after, err := pg_query.Deparse(&pg_query.ParseResult{Stmts: []*pg_query.RawStmt{raw}})
	as.NoError(err)
	as.Equal(before, after)
}

func TestVisitStmt_SortDirectionAndNullsSurvive(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	raw := parseOne(t, "SELECT a FROM t ORDER BY b DESC NULLS FIRST, c ASC")
	New().VisitStmt(raw)

	sel := raw.GetStmt().GetSelectStmt()
	as.Len(sel.SortClause, 1)
	sort := sel.SortClause[0].GetSortBy()
	as.Equal(pg_query.SortByDir_SORTBY_DESC, sort.SortbyDir)
	as.Equal(pg_query.SortByNulls_SORTBY_NULLS_FIRST, sort.SortbyNulls)
	as.True(isPlaceholderExpr(sort.Node))
}

func TestVisitor_SavepointSequence(t *testing.T) {
	t.Parallel()
	as := assert.New(t)

	v := New()
	name := func(raw *pg_query.RawStmt) string {
		return raw.GetStmt().GetTransactionStmt().GetSavepointName()
	}

	first := parseOne(t, "SAVEPOINT one")
	second := parseOne(t, "SAVEPOINT two")
	again := parseOne(t, "SAVEPOINT one")
	release := parseOne(t, "RELEASE SAVEPOINT one")

	v.VisitStmt(first)
	v.VisitStmt(second)
	v.VisitStmt(again)
	v.VisitStmt(release)

	as.Equal("s1", name(first))
	as.Equal("s2", name(second))
	as.Equal("s3", name(again))
	as.Equal("s3", name(release))
}
