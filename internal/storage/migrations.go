package storage

type migration struct {
	version int
	sql     string
}

// migrations run in order; versions are sequential from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	phone      TEXT NOT NULL,
	phone_key  TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	notes      TEXT NOT NULL DEFAULT '',
	opt_in     INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_phone_key ON contacts(phone_key);

CREATE TABLE IF NOT EXISTS templates (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broadcasts (
	id               TEXT PRIMARY KEY,
	label            TEXT NOT NULL,
	template_id      TEXT NOT NULL,
	body             TEXT NOT NULL,
	target           TEXT NOT NULL,
	scheduled_for    TEXT,
	created_at       TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_recipients INTEGER NOT NULL,
	delivered        INTEGER NOT NULL DEFAULT 0,
	failed           INTEGER NOT NULL DEFAULT 0,
	finished_at      TEXT
);

CREATE TABLE IF NOT EXISTS delivery_tasks (
	id            TEXT PRIMARY KEY,
	broadcast_id  TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
	contact_id    TEXT NOT NULL,
	contact_name  TEXT NOT NULL,
	phone         TEXT NOT NULL,
	scheduled_for TEXT,
	status        TEXT NOT NULL,
	preview       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_broadcast ON delivery_tasks(broadcast_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON delivery_tasks(status);

CREATE TABLE IF NOT EXISTS audit (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      TEXT NOT NULL,
	action  TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT ''
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
