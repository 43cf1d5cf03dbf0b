package dialect

// SQLite reads the catalog through the table-valued pragma functions. Attached
// databases play the role of schemas.
type SQLite struct{}

const sqliteListTablesSQL = `
SELECT schema, name, type, '' AS owner
FROM pragma_table_list
WHERE type IN ('table', 'view')
  AND name NOT LIKE 'sqlite_%'
  AND schema <> 'temp'
  AND ((?1 = '' AND ?2) OR schema = COALESCE(NULLIF(?1, ''), 'main'))
ORDER BY schema, name;
`

const sqliteColumnsSQL = `
SELECT name, type, "notnull" = 0 AS nullable, COALESCE(dflt_value, '') AS default_val,
       pk > 0 AS is_primary_key, cid + 1 AS ordinal
FROM pragma_table_info(?2, ?1)
ORDER BY cid;
`

const sqliteIndexesSQL = `
SELECT il.name, COALESCE(m.sql, '') AS definition, il."unique" AS is_unique, il.origin = 'pk' AS is_primary
FROM pragma_index_list(?2, ?1) il
LEFT JOIN sqlite_master m ON m.type = 'index' AND m.name = il.name
ORDER BY il.name;
`

const sqliteObjectTypeSQL = `
SELECT type, schema FROM pragma_table_list
WHERE schema = COALESCE(NULLIF(?1, ''), 'main') AND name = ?2 AND type IN ('table', 'view');
`

func (SQLite) Name() string { return "sqlite" }

// ListTables treats "main" as the current schema.
func (SQLite) ListTables(schema string, allSchemas bool) Query {
	return Query{SQL: sqliteListTablesSQL, Args: []any{schema, allSchemas}}
}

func (SQLite) Columns(schema, table string) Query {
	return Query{SQL: sqliteColumnsSQL, Args: []any{schema, table}}
}

func (SQLite) Indexes(schema, table string) Query {
	return Query{SQL: sqliteIndexesSQL, Args: []any{schema, table}}
}

// Constraints is empty: SQLite keeps constraints inside the CREATE TABLE text.
func (SQLite) Constraints(schema, table string) Query {
	return Query{}
}

func (SQLite) ObjectType(schema, table string) Query {
	return Query{SQL: sqliteObjectTypeSQL, Args: []any{schema, table}}
}

func (SQLite) CurrentUserAndSchema() Query {
	return Query{SQL: "SELECT '' AS current_user, 'main' AS current_schema"}
}

func (SQLite) Schemas() Query {
	return Query{SQL: "SELECT name FROM pragma_database_list WHERE name <> 'temp' ORDER BY seq"}
}
