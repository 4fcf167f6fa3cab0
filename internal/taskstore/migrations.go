package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    memory TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS actors (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    name TEXT NOT NULL,
    description TEXT,
    is_default BOOLEAN DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_actors_project ON actors(project_id);

CREATE TABLE IF NOT EXISTS repo_agents (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    repo_path TEXT NOT NULL,
    client_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    config TEXT,
    rate_limit_reset_at TIMESTAMP,
    last_heartbeat TIMESTAMP,
    UNIQUE(client_type, repo_path)
);

CREATE INDEX IF NOT EXISTS idx_repo_agents_project ON repo_agents(project_id);
CREATE INDEX IF NOT EXISTS idx_repo_agents_status ON repo_agents(status);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    repo_agent_id TEXT REFERENCES repo_agents(id),
    actor_id TEXT REFERENCES actors(id),
    raw_title TEXT NOT NULL,
    raw_description TEXT,
    refined_title TEXT,
    refined_description TEXT,
    plan TEXT,
    status TEXT NOT NULL DEFAULT 'todo',
    stage TEXT,
    priority TEXT NOT NULL DEFAULT 'P3',
    ready BOOLEAN DEFAULT FALSE,
    attachments TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(repo_agent_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    repo_agent_id TEXT NOT NULL REFERENCES repo_agents(id),
    status TEXT NOT NULL,
    remote_id TEXT,
    error_message TEXT,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(repo_agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS feedback (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_feedback_task ON feedback(task_id);
`
