package conversation

// RemovalCause tells why an entry left the cache.
type RemovalCause int

const (
	// CauseExplicit is a Clear or ClearAll call.
	CauseExplicit RemovalCause = iota
	// CauseReplaced is an entry overwritten by a new value for the same user.
	CauseReplaced
	// CauseSize is an eviction to stay within MaxEntries.
	CauseSize
	// CauseExpired is an entry past its access or write deadline.
	CauseExpired
	// CauseCollected exists for parity with reference-based caches. The
	// in-memory cache never produces it.
	CauseCollected
)

func (c RemovalCause) String() string {
	switch c {
	case CauseExplicit:
		return "explicit"
	case CauseReplaced:
		return "replaced"
	case CauseSize:
		return "size"
	case CauseExpired:
		return "expired"
	case CauseCollected:
		return "collected"
	}
	return "unknown"
}

// WasEvicted reports whether the removal was automatic rather than requested.
func (c RemovalCause) WasEvicted() bool {
	return c == CauseSize || c == CauseExpired || c == CauseCollected
}

// RemovalListener observes every removal. It runs synchronously on the
// goroutine that caused the removal, after internal locks are released, so
// it must stay cheap.
type RemovalListener func(userID int64, turns []Turn, cause RemovalCause)

type removal struct {
	userID int64
	turns  []Turn
	cause  RemovalCause
}
