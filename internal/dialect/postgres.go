package dialect

// Postgres covers PostgreSQL and openGauss, which share pg_catalog and
// information_schema.
type Postgres struct{}

// systemSchemas are excluded from listings. The tail of the list holds the
// schemas openGauss creates for its own extensions.
const systemSchemas = `'pg_catalog', 'information_schema', 'pg_toast',
        'dbe_perf', 'snapshot', 'db4ai', 'pkg_service', 'cstore', 'blockchain',
        'sqladvisor', 'dbe_pldebugger', 'dbe_pldeveloper', 'dbe_sql_util', 'pkg_util'`

const pgRelkindType = `CASE c.relkind
        WHEN 'r' THEN 'table'
        WHEN 'v' THEN 'view'
        WHEN 'm' THEN 'materialized_view'
        WHEN 'f' THEN 'foreign_table'
        WHEN 'p' THEN 'partitioned_table'
    END`

const pgListTablesSQL = `
SELECT
    n.nspname AS schema,
    c.relname AS name,
    ` + pgRelkindType + ` AS type,
    pg_catalog.pg_get_userbyid(c.relowner) AS owner
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND n.nspname NOT IN (` + systemSchemas + `)
  AND n.nspname NOT LIKE 'pg_temp%'
  AND (($1::text = '' AND $2::boolean) OR n.nspname = COALESCE(NULLIF($1::text, ''), current_schema()))
  AND has_table_privilege(c.oid, 'SELECT')
ORDER BY n.nspname, c.relname;
`

const pgColumnsSQL = `
SELECT
    c.column_name AS name,
    c.data_type AS type,
    CASE c.is_nullable WHEN 'YES' THEN true ELSE false END AS nullable,
    COALESCE(c.column_default, '') AS default_val,
    CASE WHEN pk.column_name IS NOT NULL THEN true ELSE false END AS is_primary_key,
    c.ordinal_position::int AS ordinal
FROM information_schema.columns c
LEFT JOIN (
    SELECT kcu.column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
        AND tc.table_schema = kcu.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
        AND tc.table_schema = $1::text
        AND tc.table_name = $2::text
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = $1::text
    AND c.table_name = $2::text
ORDER BY c.ordinal_position;
`

const pgIndexesSQL = `
SELECT
    pi.indexname AS name,
    pi.indexdef AS definition,
    i.indisunique AS is_unique,
    i.indisprimary AS is_primary
FROM pg_catalog.pg_indexes pi
JOIN pg_catalog.pg_namespace n ON n.nspname = pi.schemaname
JOIN pg_catalog.pg_class c ON c.relname = pi.indexname AND c.relnamespace = n.oid
JOIN pg_catalog.pg_index i ON i.indexrelid = c.oid
WHERE pi.schemaname = $1::text
  AND pi.tablename = $2::text
ORDER BY pi.indexname;
`

const pgConstraintsSQL = `
SELECT
    con.conname AS name,
    CASE con.contype
        WHEN 'p' THEN 'PRIMARY KEY'
        WHEN 'f' THEN 'FOREIGN KEY'
        WHEN 'u' THEN 'UNIQUE'
        WHEN 'c' THEN 'CHECK'
        WHEN 'x' THEN 'EXCLUSION'
    END AS type,
    pg_catalog.pg_get_constraintdef(con.oid, true) AS definition
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1::text
  AND c.relname = $2::text
ORDER BY con.conname;
`

const pgObjectTypeSQL = `
SELECT ` + pgRelkindType + ` AS type, n.nspname AS schema
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = COALESCE(NULLIF($1::text, ''), current_schema())
  AND c.relname = $2::text
  AND c.relkind IN ('r', 'v', 'm', 'f', 'p');
`

const pgSchemasSQL = `
SELECT n.nspname AS name
FROM pg_catalog.pg_namespace n
WHERE n.nspname NOT IN (` + systemSchemas + `)
  AND n.nspname NOT LIKE 'pg_%'
  AND has_schema_privilege(n.oid, 'USAGE')
ORDER BY n.nspname;
`

func (Postgres) Name() string { return "postgres" }

func (Postgres) ListTables(schema string, allSchemas bool) Query {
	return Query{SQL: pgListTablesSQL, Args: []any{schema, allSchemas}}
}

func (Postgres) Columns(schema, table string) Query {
	return Query{SQL: pgColumnsSQL, Args: []any{schema, table}}
}

func (Postgres) Indexes(schema, table string) Query {
	return Query{SQL: pgIndexesSQL, Args: []any{schema, table}}
}

func (Postgres) Constraints(schema, table string) Query {
	return Query{SQL: pgConstraintsSQL, Args: []any{schema, table}}
}

func (Postgres) ObjectType(schema, table string) Query {
	return Query{SQL: pgObjectTypeSQL, Args: []any{schema, table}}
}

func (Postgres) CurrentUserAndSchema() Query {
	return Query{SQL: "SELECT current_user::text AS current_user, current_schema()::text AS current_schema"}
}

func (Postgres) Schemas() Query {
	return Query{SQL: pgSchemasSQL}
}
