package telemetry

// Attribute keys attached to clone-pipeline spans and metrics.
const (
	KeyRepoID    = "clonemgr.repo_id"
	KeyPeerID    = "clonemgr.peer_id"
	KeyStage     = "clonemgr.stage"
	KeyFromState = "clonemgr.from_state"
	KeyToState   = "clonemgr.to_state"
	KeyErrorKind = "clonemgr.error_kind"
)
