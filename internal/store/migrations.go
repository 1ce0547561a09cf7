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

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	mailbox     TEXT NOT NULL,
	uid         INTEGER NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	sender      TEXT NOT NULL DEFAULT '',
	recipients  TEXT NOT NULL DEFAULT '[]',
	date        DATETIME NOT NULL,
	flags       TEXT NOT NULL DEFAULT '[]',
	fetched_at  DATETIME NOT NULL,
	UNIQUE(account_id, mailbox, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id, mailbox);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS task_log (
	id          TEXT PRIMARY KEY,
	task_id     INTEGER NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	operation   TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL CHECK(outcome IN ('ok', 'failed', 'cancelled')),
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	started_at  DATETIME,
	finished_at DATETIME,
	freed_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_log_freed_at ON task_log(freed_at);
CREATE INDEX IF NOT EXISTS idx_task_log_outcome ON task_log(outcome);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
