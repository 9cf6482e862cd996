package gateway

// Status is the connection lifecycle phase of one shard.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusResuming
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}
