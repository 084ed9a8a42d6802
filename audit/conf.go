package audit

import "github.com/curtisnewbie/lakepersist/core"

// Audit Store Configuration
const (

	// store of audit logs, one of: sqlite, mysql | sqlite
	PropAuditStore = "audit.store"

	// path to SQLite database file | lakeplatform.db
	PropSqliteFile = "sqlite.file"

	// enable SQLite WAL mode | true
	PropSqliteWalEnabled = "sqlite.wal.enabled"

	// MySQL data source name, e.g., 'user:pwd@tcp(localhost:3306)/lakeplatform'
	PropMySQLDsn = "mysql.dsn"

	// max open connections of MySQL | 10
	PropMySQLMaxOpenConns = "mysql.max-open-conns"

	// connection max lifetime of MySQL in minutes | 30
	PropMySQLConnLifetime = "mysql.connection.lifetime"
)

const (
	StoreSqlite = "sqlite"
	StoreMySQL  = "mysql"
)

func init() {
	core.SetDefProp(PropAuditStore, StoreSqlite)
	core.SetDefProp(PropSqliteFile, "lakeplatform.db")
	core.SetDefProp(PropSqliteWalEnabled, true)
	core.SetDefProp(PropMySQLMaxOpenConns, 10)
	core.SetDefProp(PropMySQLConnLifetime, 30)
}
