package sqlstore

// Both dialects accept these statements unchanged. Timestamps are BIGINT unix
// milliseconds so that SQLite and Postgres compare them the same way.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    queue         TEXT NOT NULL,
    payload       TEXT NOT NULL,
    state         TEXT NOT NULL,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    retry_limit   INTEGER NOT NULL DEFAULT 0,
    singleton_key TEXT UNIQUE,
    lock_token    TEXT,
    run_at        BIGINT NOT NULL,
    created_at    BIGINT NOT NULL,
    started_at    BIGINT NOT NULL DEFAULT 0,
    completed_at  BIGINT NOT NULL DEFAULT 0,
    heartbeat_at  BIGINT NOT NULL DEFAULT 0,
    output        TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_fetch ON jobs(queue, state, run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(state, heartbeat_at)`,

	`CREATE TABLE IF NOT EXISTS schedules (
    queue         TEXT PRIMARY KEY,
    cron          TEXT NOT NULL,
    timezone      TEXT NOT NULL,
    payload       TEXT NOT NULL,
    last_fired_at BIGINT NOT NULL DEFAULT 0,
    created_at    BIGINT NOT NULL,
    updated_at    BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS credit_accounts (
    user_id           TEXT PRIMARY KEY,
    weekly_limit      BIGINT NOT NULL,
    weekly_used       BIGINT NOT NULL DEFAULT 0,
    purchased_balance BIGINT NOT NULL DEFAULT 0,
    purchased_used    BIGINT NOT NULL DEFAULT 0,
    window_start      BIGINT NOT NULL,
    version           BIGINT NOT NULL DEFAULT 0,
    created_at        BIGINT NOT NULL,
    updated_at        BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_accounts_window ON credit_accounts(window_start)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    type       TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    reference  TEXT NOT NULL UNIQUE,
    created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS pipeline_runs (
    user_id    TEXT NOT NULL,
    tax_year   INTEGER NOT NULL,
    status     TEXT NOT NULL,
    file_id    TEXT NOT NULL DEFAULT '',
    job_id     TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (user_id, tax_year)
)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status)`,

	`CREATE TABLE IF NOT EXISTS statement_transactions (
    id           TEXT PRIMARY KEY,
    file_id      TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    tax_year     INTEGER NOT NULL,
    tx_date      BIGINT NOT NULL,
    description  TEXT NOT NULL,
    amount       DOUBLE PRECISION NOT NULL,
    direction    TEXT NOT NULL,
    category     TEXT NOT NULL DEFAULT '',
    sub_category TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_statement_transactions_user ON statement_transactions(user_id, tax_year, tx_date)`,
	`CREATE INDEX IF NOT EXISTS idx_statement_transactions_file ON statement_transactions(file_id)`,

	`CREATE TABLE IF NOT EXISTS tax_aggregates (
    user_id     TEXT NOT NULL,
    tax_year    INTEGER NOT NULL,
    version     INTEGER NOT NULL,
    data        TEXT NOT NULL,
    computed_at BIGINT NOT NULL,
    PRIMARY KEY (user_id, tax_year)
)`,
	`CREATE TABLE IF NOT EXISTS tax_contexts (
    user_id        TEXT NOT NULL,
    tax_year       INTEGER NOT NULL,
    version        INTEGER NOT NULL,
    context        TEXT NOT NULL,
    token_estimate INTEGER NOT NULL,
    built_at       BIGINT NOT NULL,
    PRIMARY KEY (user_id, tax_year)
)`,
}
