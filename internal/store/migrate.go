package store

import "context"

// The schema is kept inline and idempotent; both dialects share the
// same shape apart from id generation and the binary column type.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS providers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	text_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	text_version TEXT NOT NULL DEFAULT '',
	data BLOB,
	disabled INTEGER NOT NULL DEFAULT 0,
	masked TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id INTEGER NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	acc_type TEXT NOT NULL DEFAULT 'LOCAL',
	prefs TEXT NOT NULL DEFAULT '',
	saved_data TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	proxy TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	task TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	prefs TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS account_tasks (
	account_id INTEGER NOT NULL,
	task TEXT NOT NULL DEFAULT '',
	execution_id INTEGER NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT 'IDLE',
	last_start_time TIMESTAMP,
	last_result_success TEXT NOT NULL DEFAULT '',
	last_result_success_time TIMESTAMP,
	last_result_error TEXT NOT NULL DEFAULT '',
	last_result_error_time TIMESTAMP,
	need_code_till TIMESTAMP,
	code_cnt INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, task)
);

CREATE TABLE IF NOT EXISTS queued_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	execution_id INTEGER NOT NULL,
	depends TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	logged_in TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id INTEGER NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS codes (
	id TEXT PRIMARY KEY,
	execution_id INTEGER NOT NULL,
	params TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	till TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_id);
CREATE INDEX IF NOT EXISTS idx_queued_token ON queued_executions(token);
CREATE INDEX IF NOT EXISTS idx_queued_fingerprint ON queued_executions(fingerprint);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id);
CREATE INDEX IF NOT EXISTS idx_codes_execution ON codes(execution_id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS providers (
	id BIGSERIAL PRIMARY KEY,
	text_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	text_version TEXT NOT NULL DEFAULT '',
	data BYTEA,
	disabled INTEGER NOT NULL DEFAULT 0,
	masked TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	provider_id BIGINT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	acc_type TEXT NOT NULL DEFAULT 'LOCAL',
	prefs TEXT NOT NULL DEFAULT '',
	saved_data TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	proxy TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	task TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	prefs TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS account_tasks (
	account_id BIGINT NOT NULL,
	task TEXT NOT NULL DEFAULT '',
	execution_id BIGINT NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT 'IDLE',
	last_start_time TIMESTAMPTZ,
	last_result_success TEXT NOT NULL DEFAULT '',
	last_result_success_time TIMESTAMPTZ,
	last_result_error TEXT NOT NULL DEFAULT '',
	last_result_error_time TIMESTAMPTZ,
	need_code_till TIMESTAMPTZ,
	code_cnt INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, task)
);

CREATE TABLE IF NOT EXISTS queued_executions (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	execution_id BIGINT NOT NULL,
	depends TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	logged_in TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_logs (
	id BIGSERIAL PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS codes (
	id TEXT PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	params TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	till TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_id);
CREATE INDEX IF NOT EXISTS idx_queued_token ON queued_executions(token);
CREATE INDEX IF NOT EXISTS idx_queued_fingerprint ON queued_executions(fingerprint);
CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id);
CREATE INDEX IF NOT EXISTS idx_codes_execution ON codes(execution_id);
`

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == driverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
