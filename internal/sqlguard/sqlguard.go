// Package sqlguard inspects statements with PostgreSQL's own parser (pg_query)
// before they are sent to the database. It blocks operations the server is not
// configured to allow and tells the drivers whether a statement returns rows.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// Config is the checker's own config type. All Allow* fields default to false
// (blocked).
type Config struct {
	AllowSet                bool
	AllowDrop               bool
	AllowTruncate           bool
	AllowDo                 bool
	AllowCopyFrom           bool
	AllowCopyTo             bool
	AllowDeleteWithoutWhere bool
	AllowUpdateWithoutWhere bool
	AllowDDL                bool
	AllowGrantRevoke        bool
	AllowManageRoles        bool
	AllowCreateFunction     bool
	AllowPrepare            bool
	AllowAlterSystem        bool
	AllowMerge              bool
	AllowCreateExtension    bool
	AllowLockTable          bool
	AllowListenNotify       bool
	AllowMaintenance        bool
	AllowDiscard            bool
	AllowComment            bool
	AllowCreateTrigger      bool
	AllowCreateRule         bool
	ReadOnly                bool
	// AllowUnparsed lets statements the PostgreSQL grammar cannot parse through
	// to the database (openGauss and SQLite extensions). Statements that do
	// parse are still checked.
	AllowUnparsed bool
}

// Checker validates SQL statements against protection rules. Safe for
// concurrent use.
type Checker struct {
	config Config
}

// NewChecker creates a new Checker with the given config.
func NewChecker(config Config) *Checker {
	return &Checker{config: config}
}

func rejected(format string, args ...any) error {
	return toolerr.New(toolerr.KindStatementRejected, format, args...)
}

// Check parses sql and walks the AST. Returns nil if allowed, a
// statement_rejected error otherwise.
func (c *Checker) Check(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return toolerr.SchemaValidation("statement", "must not be empty")
	}
	result, err := pg_query.Parse(sql)
	if err != nil {
		if c.config.AllowUnparsed {
			return nil
		}
		return rejected("SQL parse error: %v", err)
	}
	if len(result.Stmts) == 0 {
		return rejected("SQL parse error: empty query")
	}
	if len(result.Stmts) > 1 {
		return rejected("multi-statement queries are not allowed: found %d statements", len(result.Stmts))
	}
	return c.checkNode(result.Stmts[0].Stmt)
}

func (c *Checker) checkNode(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	if err := c.checkCTEs(node); err != nil {
		return err
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_VariableSetStmt:
		return c.checkSet(n.VariableSetStmt)

	case *pg_query.Node_DropStmt:
		if !c.config.AllowDrop {
			return rejected("DROP statements are not allowed")
		}

	case *pg_query.Node_DropdbStmt:
		if !c.config.AllowDrop {
			return rejected("DROP DATABASE is not allowed")
		}

	case *pg_query.Node_TruncateStmt:
		if !c.config.AllowTruncate {
			return rejected("TRUNCATE statements are not allowed")
		}

	case *pg_query.Node_DoStmt:
		if !c.config.AllowDo {
			return rejected("DO blocks are not allowed: they can execute arbitrary SQL bypassing protection checks")
		}

	case *pg_query.Node_DeleteStmt:
		if !c.config.AllowDeleteWithoutWhere && n.DeleteStmt.WhereClause == nil {
			return rejected("DELETE without WHERE clause is not allowed")
		}

	case *pg_query.Node_UpdateStmt:
		if !c.config.AllowUpdateWithoutWhere && n.UpdateStmt.WhereClause == nil {
			return rejected("UPDATE without WHERE clause is not allowed")
		}

	case *pg_query.Node_MergeStmt:
		if !c.config.AllowMerge {
			return rejected("MERGE statements are not allowed: MERGE can insert, update and delete past the per-statement DML rules")
		}

	case *pg_query.Node_CopyStmt:
		if n.CopyStmt.IsFrom && !c.config.AllowCopyFrom {
			return rejected("COPY FROM is not allowed")
		}
		if !n.CopyStmt.IsFrom && !c.config.AllowCopyTo {
			return rejected("COPY TO is not allowed: it can export table data")
		}

	case *pg_query.Node_CreateFunctionStmt:
		if !c.config.AllowCreateFunction {
			kind := "FUNCTION"
			if n.CreateFunctionStmt.IsProcedure {
				kind = "PROCEDURE"
			}
			return rejected("CREATE %s is not allowed: its body can run SQL that is never checked", kind)
		}

	case *pg_query.Node_PrepareStmt, *pg_query.Node_ExecuteStmt, *pg_query.Node_DeallocateStmt:
		if !c.config.AllowPrepare {
			return rejected("PREPARE/EXECUTE/DEALLOCATE statements are not allowed: a prepared statement runs later without being checked")
		}

	case *pg_query.Node_ExplainStmt:
		return c.checkNode(n.ExplainStmt.Query)

	case *pg_query.Node_AlterSystemStmt:
		if !c.config.AllowAlterSystem {
			return rejected("ALTER SYSTEM is not allowed: it changes server-level configuration")
		}

	case *pg_query.Node_GrantStmt:
		if !c.config.AllowGrantRevoke {
			return rejected("%s statements are not allowed: GRANT/REVOKE modify database permissions", grantVerb(n.GrantStmt.IsGrant))
		}

	case *pg_query.Node_GrantRoleStmt:
		if !c.config.AllowGrantRevoke {
			return rejected("%s ROLE is not allowed: GRANT/REVOKE modify role memberships", grantVerb(n.GrantRoleStmt.IsGrant))
		}

	case *pg_query.Node_CreateRoleStmt, *pg_query.Node_AlterRoleStmt, *pg_query.Node_DropRoleStmt, *pg_query.Node_AlterRoleSetStmt:
		if !c.config.AllowManageRoles {
			return rejected("role management statements are not allowed")
		}

	case *pg_query.Node_CreateExtensionStmt, *pg_query.Node_AlterExtensionStmt, *pg_query.Node_AlterExtensionContentsStmt:
		if !c.config.AllowCreateExtension {
			return rejected("extension statements are not allowed: they load server-side code")
		}

	case *pg_query.Node_LockStmt:
		if !c.config.AllowLockTable {
			return rejected("LOCK TABLE is not allowed")
		}

	case *pg_query.Node_ListenStmt, *pg_query.Node_NotifyStmt, *pg_query.Node_UnlistenStmt:
		if !c.config.AllowListenNotify {
			return rejected("LISTEN/NOTIFY is not allowed")
		}

	case *pg_query.Node_VacuumStmt, *pg_query.Node_ClusterStmt, *pg_query.Node_ReindexStmt, *pg_query.Node_RefreshMatViewStmt:
		if !c.config.AllowMaintenance {
			return rejected("%s is not allowed: maintenance commands take heavy locks", maintenanceName(node))
		}

	case *pg_query.Node_CreateStmt, *pg_query.Node_AlterTableStmt, *pg_query.Node_IndexStmt,
		*pg_query.Node_CreateSchemaStmt, *pg_query.Node_ViewStmt, *pg_query.Node_CreateSeqStmt,
		*pg_query.Node_CreateTableAsStmt, *pg_query.Node_AlterSeqStmt, *pg_query.Node_RenameStmt:
		if !c.config.AllowDDL {
			return rejected("%s is not allowed: DDL operations are blocked", ddlName(node))
		}

	case *pg_query.Node_DiscardStmt:
		if !c.config.AllowDiscard {
			return rejected("DISCARD is not allowed: it resets pooled session state")
		}

	case *pg_query.Node_CommentStmt:
		if !c.config.AllowComment {
			return rejected("COMMENT ON is not allowed")
		}

	case *pg_query.Node_CreateTrigStmt:
		if !c.config.AllowCreateTrigger {
			return rejected("CREATE TRIGGER is not allowed: triggers run functions on every matching write")
		}

	case *pg_query.Node_RuleStmt:
		if !c.config.AllowCreateRule {
			return rejected("CREATE RULE is not allowed: rules rewrite statements before they run")
		}

	case *pg_query.Node_TransactionStmt:
		if c.config.ReadOnly && beginsReadWrite(n.TransactionStmt) {
			return rejected("BEGIN READ WRITE is blocked in read-only mode")
		}
		return rejected("transaction control statements are not allowed: each statement runs with its own atomicity")
	}
	return nil
}

func (c *Checker) checkSet(stmt *pg_query.VariableSetStmt) error {
	if c.config.ReadOnly {
		if stmt.Kind == pg_query.VariableSetKind_VAR_RESET_ALL {
			return rejected("RESET ALL is blocked in read-only mode: it could clear the read-only setting")
		}
		if isTransactionReadOnlyVar(stmt.Name) {
			return rejected("SET/RESET %s is blocked in read-only mode", stmt.Name)
		}
	}
	if c.config.AllowSet {
		return nil
	}
	switch stmt.Kind {
	case pg_query.VariableSetKind_VAR_RESET_ALL:
		return rejected("SET/RESET statements are not allowed: RESET ALL")
	case pg_query.VariableSetKind_VAR_RESET:
		return rejected("SET/RESET statements are not allowed: RESET %s", stmt.Name)
	}
	return rejected("SET/RESET statements are not allowed: SET %s", stmt.Name)
}

// beginsReadWrite reports whether a BEGIN/START TRANSACTION asks for READ
// WRITE. pg_query encodes the mode as transaction_read_only with integer 0.
func beginsReadWrite(stmt *pg_query.TransactionStmt) bool {
	for _, opt := range stmt.Options {
		def, ok := opt.Node.(*pg_query.Node_DefElem)
		if !ok || def.DefElem.Defname != "transaction_read_only" || def.DefElem.Arg == nil {
			continue
		}
		if aconst, ok := def.DefElem.Arg.Node.(*pg_query.Node_AConst); ok {
			if ival, ok := aconst.AConst.Val.(*pg_query.A_Const_Ival); ok && ival.Ival.Ival == 0 {
				return true
			}
		}
	}
	return false
}

func grantVerb(isGrant bool) string {
	if isGrant {
		return "GRANT"
	}
	return "REVOKE"
}

func maintenanceName(node *pg_query.Node) string {
	switch n := node.Node.(type) {
	case *pg_query.Node_VacuumStmt:
		if n.VacuumStmt.IsVacuumcmd {
			return "VACUUM"
		}
		return "ANALYZE"
	case *pg_query.Node_ClusterStmt:
		return "CLUSTER"
	case *pg_query.Node_ReindexStmt:
		return "REINDEX"
	}
	return "REFRESH MATERIALIZED VIEW"
}

// checkCTEs recursively checks each CTE's subquery.
func (c *Checker) checkCTEs(node *pg_query.Node) error {
	var withClause *pg_query.WithClause
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		withClause = n.SelectStmt.WithClause
	case *pg_query.Node_InsertStmt:
		withClause = n.InsertStmt.WithClause
	case *pg_query.Node_UpdateStmt:
		withClause = n.UpdateStmt.WithClause
	case *pg_query.Node_DeleteStmt:
		withClause = n.DeleteStmt.WithClause
	case *pg_query.Node_MergeStmt:
		withClause = n.MergeStmt.WithClause
	}
	if withClause == nil {
		return nil
	}
	for _, cte := range withClause.Ctes {
		cteNode, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
		if !ok {
			continue
		}
		if err := c.checkNode(cteNode.CommonTableExpr.Ctequery); err != nil {
			return err
		}
	}
	return nil
}

func ddlName(node *pg_query.Node) string {
	switch node.Node.(type) {
	case *pg_query.Node_CreateStmt:
		return "CREATE TABLE"
	case *pg_query.Node_AlterTableStmt:
		return "ALTER TABLE"
	case *pg_query.Node_IndexStmt:
		return "CREATE INDEX"
	case *pg_query.Node_CreateSchemaStmt:
		return "CREATE SCHEMA"
	case *pg_query.Node_ViewStmt:
		return "CREATE VIEW"
	case *pg_query.Node_CreateSeqStmt:
		return "CREATE SEQUENCE"
	case *pg_query.Node_CreateTableAsStmt:
		return "CREATE TABLE AS"
	case *pg_query.Node_AlterSeqStmt:
		return "ALTER SEQUENCE"
	case *pg_query.Node_RenameStmt:
		return "RENAME"
	}
	return fmt.Sprintf("%T", node.Node)
}

func isTransactionReadOnlyVar(name string) bool {
	return name == "default_transaction_read_only" || name == "transaction_read_only"
}

var leadingKeyword = regexp.MustCompile(`(?s)^\s*(?:(?:--[^\n]*\n|/\*.*?\*/)\s*)*([A-Za-z]+)`)
var returningClause = regexp.MustCompile(`(?i)\bRETURNING\b`)

// ReturnsRows reports whether sql produces a result set. It uses the parser
// when possible and falls back to the leading keyword for dialects the
// PostgreSQL grammar does not cover (e.g. SQLite's PRAGMA).
func ReturnsRows(sql string) bool {
	if result, err := pg_query.Parse(sql); err == nil && len(result.Stmts) > 0 {
		switch n := result.Stmts[len(result.Stmts)-1].Stmt.Node.(type) {
		case *pg_query.Node_SelectStmt, *pg_query.Node_ExplainStmt, *pg_query.Node_VariableShowStmt:
			return true
		case *pg_query.Node_InsertStmt:
			return len(n.InsertStmt.ReturningList) > 0
		case *pg_query.Node_UpdateStmt:
			return len(n.UpdateStmt.ReturningList) > 0
		case *pg_query.Node_DeleteStmt:
			return len(n.DeleteStmt.ReturningList) > 0
		default:
			return false
		}
	}

	m := leadingKeyword.FindStringSubmatch(sql)
	if m == nil {
		return false
	}
	switch strings.ToUpper(m[1]) {
	case "SELECT", "WITH", "VALUES", "SHOW", "EXPLAIN", "PRAGMA", "TABLE":
		return true
	case "INSERT", "UPDATE", "DELETE", "REPLACE":
		return returningClause.MatchString(sql)
	}
	return false
}
