package store

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		filename        TEXT NOT NULL,
		source_path     TEXT NOT NULL,
		work_dir        TEXT NOT NULL,
		page_range      TEXT NOT NULL DEFAULT '',
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		pages           INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count    INTEGER NOT NULL DEFAULT 0,
		progress        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		worker_id       TEXT,
		error           TEXT,
		merged_path     TEXT,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id         TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		page            INTEGER NOT NULL,
		page_source     INTEGER NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		status          TEXT NOT NULL,
		worker_id       TEXT,
		image_path      TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		error           TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0,
		conversion_time INTEGER NOT NULL DEFAULT 0,
		started_at      TIMESTAMP,
		completed_at    TIMESTAMP,
		UNIQUE (task_id, page)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pages_claim ON pages (status, retry_count, page)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		filename        TEXT NOT NULL,
		source_path     TEXT NOT NULL,
		work_dir        TEXT NOT NULL,
		page_range      TEXT NOT NULL DEFAULT '',
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		pages           INTEGER NOT NULL DEFAULT 0,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count    INTEGER NOT NULL DEFAULT 0,
		progress        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		worker_id       TEXT,
		error           TEXT,
		merged_path     TEXT,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS pages (
		id              BIGSERIAL PRIMARY KEY,
		task_id         TEXT NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
		page            INTEGER NOT NULL,
		page_source     INTEGER NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		status          TEXT NOT NULL,
		worker_id       TEXT,
		image_path      TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		error           TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0,
		conversion_time BIGINT NOT NULL DEFAULT 0,
		started_at      TIMESTAMP,
		completed_at    TIMESTAMP,
		UNIQUE (task_id, page)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pages_claim ON pages (status, retry_count, page)`,
}
