package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tracks (
  id TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  approval_mode TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
  id TEXT PRIMARY KEY,
  track_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  trigger_kind TEXT NOT NULL,
  status TEXT NOT NULL,
  model TEXT NOT NULL,
  approval_mode TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(track_id) REFERENCES tracks(id)
);

CREATE INDEX IF NOT EXISTS idx_turns_track_seq ON turns(track_id, seq);

CREATE TABLE IF NOT EXISTS llm_responses (
  id TEXT PRIMARY KEY,
  turn_id TEXT NOT NULL,
  model TEXT NOT NULL,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  cache_read_tokens INTEGER NOT NULL DEFAULT 0,
  cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
  cache_context BLOB,
  created_at TEXT NOT NULL,
  FOREIGN KEY(turn_id) REFERENCES turns(id)
);

CREATE TABLE IF NOT EXISTS entries (
  id TEXT PRIMARY KEY,
  track_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  kind TEXT NOT NULL,
  turn_id TEXT,
  response_id TEXT,
  synced INTEGER NOT NULL DEFAULT 0,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(track_id) REFERENCES tracks(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_track_position ON entries(track_id, position);

CREATE TABLE IF NOT EXISTS compactions (
  id TEXT PRIMARY KEY,
  track_id TEXT NOT NULL,
  previous_id TEXT,
  summary TEXT NOT NULL,
  up_to_position INTEGER NOT NULL,
  entries_covered INTEGER NOT NULL,
  tokens_before INTEGER NOT NULL,
  tokens_after INTEGER NOT NULL,
  summarizer_model TEXT NOT NULL,
  duration_ns INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(track_id) REFERENCES tracks(id)
);

CREATE INDEX IF NOT EXISTS idx_compactions_track_created ON compactions(track_id, created_at);
`
