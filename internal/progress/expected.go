package progress

import "strconv"

type expectedState uint8

const (
	expectedUnknown expectedState = iota
	expectedPlaceholder
	expectedKnown
)

// ExpectedCount is the expected item total for a (job, asset type) pair.
// It is a tri-state rather than a numeric sentinel: Unknown means no
// signal has arrived yet, Placeholder means items are being counted but
// the authoritative batch total has not arrived (the per-asset-first
// race), and Known carries the announced total. Completion checks must
// never treat Placeholder as a real count.
type ExpectedCount struct {
	state expectedState
	n     int
}

// UnknownCount returns the zero signal state.
func UnknownCount() ExpectedCount {
	return ExpectedCount{state: expectedUnknown}
}

// PlaceholderCount marks a state created by item events before the
// batch announcement arrived.
func PlaceholderCount() ExpectedCount {
	return ExpectedCount{state: expectedPlaceholder}
}

// KnownCount wraps an authoritative announced total.
func KnownCount(n int) ExpectedCount {
	if n < 0 {
		n = 0
	}
	return ExpectedCount{state: expectedKnown, n: n}
}

// IsKnown reports whether the count is authoritative.
func (e ExpectedCount) IsKnown() bool { return e.state == expectedKnown }

// IsPlaceholder reports whether the count is a stand-in awaiting the
// batch announcement.
func (e ExpectedCount) IsPlaceholder() bool { return e.state == expectedPlaceholder }

// IsUnknown reports whether no signal has been recorded.
func (e ExpectedCount) IsUnknown() bool { return e.state == expectedUnknown }

// Value returns the known total. ok is false for Unknown and
// Placeholder states.
func (e ExpectedCount) Value() (n int, ok bool) {
	if e.state != expectedKnown {
		return 0, false
	}
	return e.n, true
}

// StateName returns the state as a label for snapshots and logs.
func (e ExpectedCount) StateName() string {
	switch e.state {
	case expectedKnown:
		return "known"
	case expectedPlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// String renders the known count or the state label.
func (e ExpectedCount) String() string {
	if e.state == expectedKnown {
		return strconv.Itoa(e.n)
	}
	return e.StateName()
}
