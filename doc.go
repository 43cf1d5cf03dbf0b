// Package gaussmcp gives AI agents controlled access to openGauss and
// PostgreSQL databases through the Model Context Protocol (MCP).
//
// It exposes five tools: execute_query, list_tables, describe_table,
// current_user_and_schema and list_schemas. Every call is validated against
// the tool's declared arguments before a connection is leased, runs on one
// pooled connection under a statement timeout, and returns either a JSON
// result or a structured error with a kind, the database error code where
// there is one, and an optional guidance hint.
//
// Statement values are always bound as parameters. Statements themselves are
// parsed with PostgreSQL's own parser (pg_query) and checked against the
// protection rules, all of which block by default.
//
// # Library Usage
//
//	g, err := gaussmcp.New(ctx, connString, gaussmcp.Config{
//		Pool:     gaussmcp.PoolConfig{MaxConns: 10},
//		ReadOnly: true,
//		Query: gaussmcp.QueryConfig{
//			DefaultTimeoutSeconds:       30,
//			ListTablesTimeoutSeconds:    10,
//			DescribeTableTimeoutSeconds: 10,
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Close(ctx)
//
//	// Use directly
//	res, err := g.ExecuteQuery(ctx, gaussmcp.ExecuteQueryInput{
//		Statement: "SELECT * FROM users WHERE id = $1",
//		Params:    []any{42},
//	})
//
//	// Or serve over MCP
//	mcpServer := g.NewMCPServer("stdio")
//
// # Drivers
//
// Config.Driver selects "pgx" (default), "pq" or "sqlite". openGauss speaks
// the PostgreSQL wire protocol; use "pq" when its authentication method is
// not supported by pgx. The sqlite driver serves local development and
// tests.
//
// # Hooks
//
// Command hooks (WithServerHooks) run around execute_query. Before hooks may
// rewrite or reject the statement; the protection rules check the rewritten
// text. After hooks see the JSON result once the statement has committed and
// may rewrite it or withhold it.
package gaussmcp
