package eventlog

// SchemaDDL creates the bridge event log. Execute with db.Exec(SchemaDDL).
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    conn_id TEXT NOT NULL DEFAULT '',
    worker_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_id);
`

// Event types written by the host.
const (
	TypeWorkerConnected    = "worker_connected"
	TypeWorkerDisconnected = "worker_disconnected"
	TypeHelloRejected      = "hello_rejected"
	TypeProtocolMismatch   = "protocol_mismatch"
	TypeHeartbeatTimeout   = "heartbeat_timeout"
	TypeWorkerStatus       = "worker_status"
	TypeRequestFailed      = "request_failed"
	TypeBridgeState        = "bridge_state"
)
