package ports

const (
	DefaultSlippageBps = 50   // used when an intent leaves slippage unset
	DefaultListLimit   = 100  // admin listings page size
	MaxListLimit       = 1000 // hard cap for admin listings
)
