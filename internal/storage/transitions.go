package storage

// SwapStatus is the state of a cross-chain swap record.
type SwapStatus string

const (
	SwapCreated          SwapStatus = "CREATED"
	SwapSrcEscrowCreated SwapStatus = "SRC_ESCROW_CREATED"
	SwapSrcDeposited     SwapStatus = "SRC_DEPOSITED"
	SwapDstEscrowCreated SwapStatus = "DST_ESCROW_CREATED"
	SwapDstFunded        SwapStatus = "DST_FUNDED"
	SwapSecretRevealed   SwapStatus = "SECRET_REVEALED"
	SwapSrcWithdrawn     SwapStatus = "SRC_WITHDRAWN"
	SwapCompleted        SwapStatus = "COMPLETED"
	SwapFailed           SwapStatus = "FAILED"
	SwapExpired          SwapStatus = "EXPIRED"
)

// happyPath is the forward order of non-failure states.
var happyPath = []SwapStatus{
	SwapCreated,
	SwapSrcEscrowCreated,
	SwapSrcDeposited,
	SwapDstEscrowCreated,
	SwapDstFunded,
	SwapSecretRevealed,
	SwapSrcWithdrawn,
	SwapCompleted,
}

// transitions lists every legal edge. FAILED and EXPIRED are added for each
// non-terminal state in init.
var transitions = map[SwapStatus]map[SwapStatus]bool{}

func init() {
	for i, st := range happyPath {
		transitions[st] = map[SwapStatus]bool{}
		if i+1 < len(happyPath) {
			transitions[st][happyPath[i+1]] = true
		}
		if !st.IsTerminal() {
			transitions[st][SwapFailed] = true
			transitions[st][SwapExpired] = true
		}
	}
	transitions[SwapFailed] = map[SwapStatus]bool{}
	transitions[SwapExpired] = map[SwapStatus]bool{}
}

// IsTerminal reports whether no further transition is possible.
func (s SwapStatus) IsTerminal() bool {
	return s == SwapCompleted || s == SwapFailed || s == SwapExpired
}

// Valid reports whether s is a known status.
func (s SwapStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Rank is the position along the happy path. FAILED and EXPIRED rank past
// COMPLETED since they are also final.
func (s SwapStatus) Rank() int {
	for i, st := range happyPath {
		if st == s {
			return i
		}
	}
	if s.Valid() {
		return len(happyPath)
	}
	return -1
}

// Beyond reports whether s is strictly past other on the happy path.
func (s SwapStatus) Beyond(other SwapStatus) bool {
	return s.Rank() > other.Rank()
}

// Next returns the following happy-path state, if any.
func (s SwapStatus) Next() (SwapStatus, bool) {
	r := s.Rank()
	if r < 0 || r+1 >= len(happyPath) {
		return "", false
	}
	return happyPath[r+1], true
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to SwapStatus) bool {
	return transitions[from][to]
}

// PathTo returns the happy-path states strictly after from up to and
// including to. ok is false when to is not ahead of from.
func PathTo(from, to SwapStatus) ([]SwapStatus, bool) {
	start, end := from.Rank(), to.Rank()
	if start < 0 || end < 0 || end >= len(happyPath) || end <= start {
		return nil, false
	}
	path := make([]SwapStatus, 0, end-start)
	for i := start + 1; i <= end; i++ {
		path = append(path, happyPath[i])
	}
	return path, true
}

// AllStatuses returns every status in display order.
func AllStatuses() []SwapStatus {
	out := append([]SwapStatus{}, happyPath...)
	return append(out, SwapFailed, SwapExpired)
}

// statusTimestampColumn is the column stamped when a record enters a status.
var statusTimestampColumn = map[SwapStatus]string{
	SwapSrcEscrowCreated: "src_escrow_created_at",
	SwapSrcDeposited:     "src_deposited_at",
	SwapDstEscrowCreated: "dst_escrow_created_at",
	SwapDstFunded:        "dst_funded_at",
	SwapSecretRevealed:   "secret_revealed_at",
	SwapSrcWithdrawn:     "src_withdrawn_at",
	SwapCompleted:        "completed_at",
	SwapFailed:           "failed_at",
	SwapExpired:          "expired_at",
}
