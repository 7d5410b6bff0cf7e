package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    email TEXT PRIMARY KEY,
    password TEXT NOT NULL DEFAULT '',
    client_id TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cached_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account TEXT NOT NULL,
    folder TEXT NOT NULL,
    message_id TEXT NOT NULL,
    subject TEXT,
    sender_name TEXT,
    sender_addr TEXT,
    received_at DATETIME,
    body_preview TEXT,
    body_content TEXT,
    body_type TEXT NOT NULL DEFAULT 'text',
    created_at DATETIME NOT NULL,
    UNIQUE(account, folder, message_id)
);

CREATE TABLE IF NOT EXISTS cache_watermarks (
    account TEXT NOT NULL,
    folder TEXT NOT NULL,
    last_checked_at DATETIME NOT NULL,
    PRIMARY KEY(account, folder)
);

CREATE INDEX IF NOT EXISTS idx_cached_messages_folder ON cached_messages(account, folder);
CREATE INDEX IF NOT EXISTS idx_cached_messages_created ON cached_messages(account, folder, created_at);
`
