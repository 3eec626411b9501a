// Package visitor rewrites parsed SQL statements in place so that
// value-bearing and enumerable sub-trees collapse to a single placeholder
// while clause keywords and shape survive. Structurally identical
// statements that differ only in literals, column lists, or redundant
// quoting end up with identical trees, which the deparser then renders to
// identical fingerprint strings.
//
// The visitor operates on the protobuf statement trees produced by
// github.com/pganalyze/pg_query_go and mutates them directly; it never
// fails. Every rule checks the presence of exactly the fields it rewrites,
// so clause shapes the rule set does not recognize pass through untouched.
package visitor

import (
	"fmt"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Placeholder is the token substituted for elided sub-trees. It travels
// through the tree as an identifier, which the deparser renders quoted;
// callers strip that quoting when rendering the final fingerprint.
const Placeholder = "..."

// Visitor applies the normalization rules to one batch of statements.
// Savepoint aliases are numbered in first-seen order across every
// statement visited by the same instance, so one Visitor must serve
// exactly one batch.
type Visitor struct {
	savepoints map[string]string
}

func New() *Visitor {
	return &Visitor{savepoints: make(map[string]string)}
}

// VisitStmt dispatches on the statement kind and applies the
// statement-level rules, descending into any embedded query. Statement
// kinds without rules of their own are left untouched.
func (v *Visitor) VisitStmt(raw *pg_query.RawStmt) {
	switch stmt := raw.GetStmt().GetNode().(type) {
	case *pg_query.Node_TransactionStmt:
		v.visitTransaction(stmt.TransactionStmt)
	case *pg_query.Node_DeclareCursorStmt:
		v.visitDeclareCursor(stmt.DeclareCursorStmt)
	case *pg_query.Node_InsertStmt:
		v.visitInsert(stmt.InsertStmt)
	case *pg_query.Node_UpdateStmt:
		v.visitUpdate(stmt.UpdateStmt)
	case *pg_query.Node_DeleteStmt:
		v.visitDelete(stmt.DeleteStmt)
	case *pg_query.Node_SelectStmt:
		v.visitQuery(stmt.SelectStmt)
	}
}

// visitTransaction rewrites savepoint names to short batch-scoped aliases.
// A SAVEPOINT statement always claims the next sequential alias, even when
// its name was seen before; RELEASE and ROLLBACK TO resolve to the most
// recent alias of their name and stay unrewritten when the name is
// unknown (a malformed but parseable program).
func (v *Visitor) visitTransaction(stmt *pg_query.TransactionStmt) {
	switch stmt.Kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
		alias := fmt.Sprintf("s%d", len(v.savepoints)+1)
		v.savepoints[stmt.SavepointName] = alias
		stmt.SavepointName = alias
	case pg_query.TransactionStmtKind_TRANS_STMT_RELEASE,
		pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
		if alias, ok := v.savepoints[stmt.SavepointName]; ok {
			stmt.SavepointName = alias
		}
	}
}

func (v *Visitor) visitDeclareCursor(stmt *pg_query.DeclareCursorStmt) {
	if stmt.Portalname != "" {
		stmt.Portalname = Placeholder
	}
	if sub := stmt.GetQuery().GetSelectStmt(); sub != nil {
		v.visitQuery(sub)
	}
}

func (v *Visitor) visitInsert(stmt *pg_query.InsertStmt) {
	if len(stmt.Cols) > 0 {
		stmt.Cols = []*pg_query.Node{placeholderColumn()}
	}
	if sel := stmt.GetSelectStmt().GetSelectStmt(); sel != nil {
		if len(sel.ValuesLists) > 0 {
			// inline VALUES collapses to one row with one value no matter
			// how many rows or columns were supplied
			sel.ValuesLists = []*pg_query.Node{listOf(placeholderExpr())}
		} else {
			v.visitQuery(sel)
		}
	}
	if oc := stmt.OnConflictClause; oc != nil {
		if infer := oc.Infer; infer != nil && len(infer.IndexElems) > 0 {
			infer.IndexElems = []*pg_query.Node{placeholderIndexElem()}
		}
		if oc.Action == pg_query.OnConflictAction_ONCONFLICT_UPDATE {
			if len(oc.TargetList) > 0 {
				oc.TargetList = []*pg_query.Node{placeholderAssignment()}
			}
			if oc.WhereClause != nil {
				oc.WhereClause = placeholderExpr()
			}
		}
	}
	if len(stmt.ReturningList) > 0 {
		stmt.ReturningList = []*pg_query.Node{placeholderResult()}
	}
	v.visitWith(stmt.WithClause)
}

func (v *Visitor) visitUpdate(stmt *pg_query.UpdateStmt) {
	if len(stmt.TargetList) > 0 {
		stmt.TargetList = []*pg_query.Node{placeholderAssignment()}
	}
	if stmt.WhereClause != nil {
		stmt.WhereClause = placeholderExpr()
	}
	if len(stmt.ReturningList) > 0 {
		stmt.ReturningList = []*pg_query.Node{placeholderResult()}
	}
	v.visitWith(stmt.WithClause)
}

func (v *Visitor) visitDelete(stmt *pg_query.DeleteStmt) {
	if stmt.WhereClause != nil {
		stmt.WhereClause = placeholderExpr()
	}
	if len(stmt.ReturningList) > 0 {
		stmt.ReturningList = []*pg_query.Node{placeholderResult()}
	}
	v.visitWith(stmt.WithClause)
}

// visitQuery applies the query-level rules to every SELECT block reachable
// from stmt. Set operations are flattened with an explicit stack so deeply
// chained UNION/INTERSECT/EXCEPT trees cannot exhaust the call stack, and
// each leaf SELECT is visited exactly once. ORDER BY and LIMIT hang off
// any node of the set-operation tree, so those rules run at every level.
func (v *Visitor) visitQuery(stmt *pg_query.SelectStmt) {
	stack := []*pg_query.SelectStmt{stmt}
	for len(stack) > 0 {
		q := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if q == nil {
			continue
		}
		v.visitWith(q.WithClause)
		v.visitSortAndLimit(q)
		if q.Op != pg_query.SetOperation_SETOP_NONE {
			stack = append(stack, q.Larg, q.Rarg)
			continue
		}
		v.visitSelect(q)
	}
}

func (v *Visitor) visitWith(with *pg_query.WithClause) {
	if with == nil {
		return
	}
	for _, cte := range with.Ctes {
		if sub := cte.GetCommonTableExpr().GetCtequery().GetSelectStmt(); sub != nil {
			v.visitQuery(sub)
		}
	}
}

// visitSelect handles one leaf SELECT: projection, DISTINCT ON, FROM/JOIN,
// WHERE and GROUP BY.
func (v *Visitor) visitSelect(q *pg_query.SelectStmt) {
	if len(q.TargetList) > 0 {
		if target := q.TargetList[0].GetResTarget(); target != nil && !isWildcard(target) {
			q.TargetList[0] = placeholderResult()
		}
		q.TargetList = q.TargetList[:1]
	}

	// plain DISTINCT is a single empty item; only DISTINCT ON carries
	// expressions to collapse
	if len(q.DistinctClause) > 0 && q.DistinctClause[0].GetNode() != nil {
		q.DistinctClause = []*pg_query.Node{placeholderExpr()}
	}

	for _, item := range q.FromClause {
		v.visitFromItem(item)
	}

	if q.WhereClause != nil {
		q.WhereClause = placeholderExpr()
	}

	if len(q.GroupClause) > 0 && isPlainGroupBy(q.GroupClause) {
		q.GroupClause = []*pg_query.Node{placeholderExpr()}
	}
}

func (v *Visitor) visitFromItem(item *pg_query.Node) {
	switch from := item.GetNode().(type) {
	case *pg_query.Node_JoinExpr:
		v.visitJoin(from.JoinExpr)
	case *pg_query.Node_RangeSubselect:
		if sub := from.RangeSubselect.GetSubquery().GetSelectStmt(); sub != nil {
			v.visitQuery(sub)
		}
	case *pg_query.Node_RangeFunction:
		v.visitRangeFunction(from.RangeFunction)
	}
}

// visitJoin collapses every explicit ON predicate in a join tree. The join
// kind survives untouched; USING constraints and natural joins carry no
// predicate to collapse.
func (v *Visitor) visitJoin(join *pg_query.JoinExpr) {
	if join == nil {
		return
	}
	if join.Quals != nil {
		join.Quals = placeholderExpr()
	}
	v.visitFromItem(join.Larg)
	v.visitFromItem(join.Rarg)
}

// visitRangeFunction collapses the argument list of a table-valued unnest
// and, when present, its column-alias list. Other functions in FROM are
// left alone.
func (v *Visitor) visitRangeFunction(rf *pg_query.RangeFunction) {
	unnest := false
	for _, fn := range rf.Functions {
		// each entry is a two-element list of function and column
		// definition list
		items := []*pg_query.Node{fn}
		if list := fn.GetList(); list != nil {
			items = list.Items
		}
		for _, item := range items {
			call := item.GetFuncCall()
			if call == nil || !isUnnest(call) {
				continue
			}
			unnest = true
			if len(call.Args) > 0 {
				call.Args = []*pg_query.Node{placeholderExpr()}
			}
		}
	}
	if !unnest {
		return
	}
	if alias := rf.Alias; alias != nil && len(alias.Colnames) > 0 {
		alias.Colnames = []*pg_query.Node{placeholderName()}
	}
}

// visitSortAndLimit keeps the first ORDER BY entry with its direction and
// NULLS modifiers, elides its expression, and replaces LIMIT/OFFSET
// operands. FETCH FIRST ... WITH TIES requires a constant operand, so that
// shape is left unrewritten.
func (v *Visitor) visitSortAndLimit(q *pg_query.SelectStmt) {
	if len(q.SortClause) > 0 {
		if sort := q.SortClause[0].GetSortBy(); sort != nil {
			sort.Node = placeholderExpr()
		}
		q.SortClause = q.SortClause[:1]
	}

	if q.LimitOption == pg_query.LimitOption_LIMIT_OPTION_WITH_TIES {
		return
	}
	if q.LimitCount != nil {
		q.LimitCount = placeholderExpr()
	}
	if q.LimitOffset != nil {
		q.LimitOffset = placeholderExpr()
	}
}

// isUnnest matches calls to unnest regardless of schema qualification by
// looking at the last name component only.
func isUnnest(call *pg_query.FuncCall) bool {
	names := call.GetFuncname()
	if len(names) == 0 {
		return false
	}
	return names[len(names)-1].GetString_().GetSval() == "unnest"
}

func isWildcard(target *pg_query.ResTarget) bool {
	for _, field := range target.GetVal().GetColumnRef().GetFields() {
		if field.GetAStar() != nil {
			return true
		}
	}
	return false
}

// isPlainGroupBy reports whether the grouping is an explicit expression
// list. ROLLUP, CUBE and GROUPING SETS forms are left unchanged.
func isPlainGroupBy(group []*pg_query.Node) bool {
	for _, item := range group {
		if item.GetGroupingSet() != nil {
			return false
		}
	}
	return true
}

// Placeholder nodes are constructed fresh at every substitution site;
// sites never share a node.

func placeholderName() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_String_{
		String_: &pg_query.String{Sval: Placeholder},
	}}
}

func placeholderExpr() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ColumnRef{
		ColumnRef: &pg_query.ColumnRef{Fields: []*pg_query.Node{placeholderName()}},
	}}
}

func placeholderResult() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ResTarget{
		ResTarget: &pg_query.ResTarget{Val: placeholderExpr()},
	}}
}

func placeholderColumn() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ResTarget{
		ResTarget: &pg_query.ResTarget{Name: Placeholder},
	}}
}

func placeholderAssignment() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_ResTarget{
		ResTarget: &pg_query.ResTarget{Name: Placeholder, Val: placeholderExpr()},
	}}
}

func placeholderIndexElem() *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_IndexElem{
		IndexElem: &pg_query.IndexElem{
			Name:          Placeholder,
			Ordering:      pg_query.SortByDir_SORTBY_DEFAULT,
			NullsOrdering: pg_query.SortByNulls_SORTBY_NULLS_DEFAULT,
		},
	}}
}

func listOf(items ...*pg_query.Node) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_List{
		List: &pg_query.List{Items: items},
	}}
}
