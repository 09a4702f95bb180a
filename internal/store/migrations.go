package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	request_id  TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	status      INTEGER NOT NULL,
	items       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_audit_log_received_at ON audit_log(received_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
