package constant

type StatusCode int

const (
	StatusUnknown      StatusCode = 0
	StatusLive         StatusCode = 1
	StatusDisconnected StatusCode = 2
	StatusOffline      StatusCode = 4
)

type TrackAction string

const (
	TrackActionStart TrackAction = "start"
	TrackActionStop  TrackAction = "stop"
)

type BridgeMode string

const (
	BridgeModeCheck  BridgeMode = "check"
	BridgeModeStream BridgeMode = "stream"
)

func (m BridgeMode) String() string {
	return string(m)
}

type FinalizeOutcome string

const (
	FinalizeCompleted FinalizeOutcome = "completed"
	FinalizeStopped   FinalizeOutcome = "stopped"
	FinalizeFailed    FinalizeOutcome = "failed"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
