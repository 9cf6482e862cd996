package wire

// Intent selects which event categories a connection subscribes to.
type Intent uint64

const (
	IntentGuilds         Intent = 1 << 0
	IntentGuildMembers   Intent = 1 << 1
	IntentGuildPresences Intent = 1 << 8
	IntentGuildMessages  Intent = 1 << 9
	IntentDirectMessages Intent = 1 << 12
	IntentMessageContent Intent = 1 << 15
)

// DefaultIntents covers every event category the cache mirrors.
func DefaultIntents() Intent {
	return IntentGuilds |
		IntentGuildMembers |
		IntentGuildPresences |
		IntentGuildMessages |
		IntentDirectMessages |
		IntentMessageContent
}

func (i Intent) Has(want Intent) bool {
	return i&want == want
}
