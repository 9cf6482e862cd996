package wire

// CloseCode classifies gateway-issued websocket close frames.
type CloseCode int

const (
	CloseUnknownError         CloseCode = 4000
	CloseUnknownOpcode        CloseCode = 4001
	CloseDecodeError          CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseInvalidSeq           CloseCode = 4007
	CloseRateLimited          CloseCode = 4008
	CloseSessionTimedOut      CloseCode = 4009
	CloseInvalidShard         CloseCode = 4010
	CloseShardingRequired     CloseCode = 4011
	CloseInvalidVersion       CloseCode = 4012
	CloseInvalidIntents       CloseCode = 4013
	CloseDisallowedIntents    CloseCode = 4014
)

// Fatal reports whether the close code is a handshake-level rejection that
// must not be retried.
func (c CloseCode) Fatal() bool {
	switch c {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return true
	default:
		return false
	}
}

// Resumable reports whether the previous session may be resumed after this
// close code. Non-resumable transient codes require a fresh identify.
func (c CloseCode) Resumable() bool {
	if c.Fatal() {
		return false
	}
	switch c {
	case CloseNotAuthenticated,
		CloseAlreadyAuthenticated,
		CloseInvalidSeq,
		CloseSessionTimedOut:
		return false
	default:
		return true
	}
}
