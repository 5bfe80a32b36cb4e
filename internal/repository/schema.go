package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount REAL NOT NULL,
    merchant TEXT NOT NULL,
    merchant_category TEXT,
    location TEXT,
    device_id TEXT,
    ip_address TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_device ON transactions(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp);
`

const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    version TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    artifact TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// schemaAudits is the durable audit trail: one row per evaluation, holding
// the canonical explanation payload exactly as assembled plus the decision.
const schemaAudits = `
CREATE TABLE IF NOT EXISTS audits (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    trace_id TEXT NOT NULL,
    model_version TEXT NOT NULL,
    score REAL NOT NULL,
    label TEXT NOT NULL,
    reason_code TEXT NOT NULL,
    raised INTEGER NOT NULL DEFAULT 0,
    dedup_key TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audits_tx ON audits(tx_id);
CREATE INDEX IF NOT EXISTS idx_audits_raised ON audits(raised, created_at);
CREATE INDEX IF NOT EXISTS idx_audits_dedup ON audits(dedup_key, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaModelArtifacts,
		schemaAudits,
	}
}
