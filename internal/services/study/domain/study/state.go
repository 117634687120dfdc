package study

// State is the aggregate snapshot rebuilt by folding a study stream.
type State struct {
	Created      bool
	StreamID     string
	LegacyKey    int64
	Details      Details
	Version      string
	Status       Status
	StatusReason string
	Locked       bool
	Associations []Association
	// LastSeq is the sequence of the last folded event.
	LastSeq uint64
}
