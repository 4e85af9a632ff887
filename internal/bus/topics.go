package bus

// Gateway lifecycle topics, published by the supervisor.
const (
	TopicGatewayStarting    = "gateway.starting"
	TopicGatewayReady       = "gateway.ready"
	TopicGatewayStartFailed = "gateway.start_failed"
	TopicGatewayExited      = "gateway.exited"
	TopicGatewayStopped     = "gateway.stopped"
)

// Onboarding and maintenance topics, published by the onboarding runner
// and the setup handlers.
const (
	TopicOnboardStarted  = "onboard.started"
	TopicOnboardFinished = "onboard.finished"
	TopicOnboardFailed   = "onboard.failed"
	TopicPairingApproved = "pairing.approved"
	TopicConfigReset     = "config.reset"
	TopicConfigChanged   = "config.changed"
)

// GatewayEvent is published on every supervisor state transition.
type GatewayEvent struct {
	AttemptID string // start-attempt id, empty for exit/stop events
	PID       int    // child pid when known
	Detail    string // human-readable transition detail
}

// OnboardEvent is published when an onboarding run starts or resolves.
type OnboardEvent struct {
	RunID    string // onboarding run id
	Provider string // LLM provider selected in the payload
	Platform string // messaging platform, "" when none
	Detail   string // outcome summary, redacted
}

// PairingEvent is published when a pairing code is approved.
type PairingEvent struct {
	Channel string
	Detail  string
}

// ConfigEvent is published when the agent's configuration file is created,
// rewritten, or removed (by onboarding, reset, or an outside actor).
type ConfigEvent struct {
	Path   string
	Detail string
}
