package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repo_url TEXT NOT NULL,
    team_name TEXT NOT NULL,
    leader_name TEXT NOT NULL,
    branch TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    phase TEXT,
    message TEXT,
    retry_budget INTEGER NOT NULL,
    commits INTEGER DEFAULT 0,
    output TEXT,
    error TEXT,
    error_kind TEXT,
    files TEXT,
    ci TEXT,
    score TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS iterations (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    idx INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    message TEXT,
    failures_count INTEGER DEFAULT 0,
    fixes_applied INTEGER DEFAULT 0,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS fixes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration INTEGER NOT NULL,
    file TEXT NOT NULL,
    category TEXT,
    line INTEGER,
    commit_message TEXT,
    status TEXT NOT NULL,
    commit_hash TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_fixes_run_id ON fixes(run_id);

CREATE TABLE IF NOT EXISTS patches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration INTEGER NOT NULL,
    file TEXT NOT NULL,
    original TEXT,
    modified TEXT
);

CREATE INDEX IF NOT EXISTS idx_patches_run_id ON patches(run_id);
`
