package brokerage

// Status is the normalized order status. Raw brokerage status codes are
// converted exactly once, at the wire boundary; everything downstream
// switches on this enum and never on raw strings.
type Status int

const (
	StatusUnknown Status = iota
	StatusAcknowledged
	StatusQueued
	StatusReceived
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusExpired
	StatusRejected
	StatusOut
)

var statusNames = map[Status]string{
	StatusUnknown:         "UNKNOWN",
	StatusAcknowledged:    "ACKNOWLEDGED",
	StatusQueued:          "QUEUED",
	StatusReceived:        "RECEIVED",
	StatusPartiallyFilled: "PARTIALLY_FILLED",
	StatusFilled:          "FILLED",
	StatusCanceled:        "CANCELED",
	StatusExpired:         "EXPIRED",
	StatusRejected:        "REJECTED",
	StatusOut:             "OUT",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseStatus maps a raw brokerage status code onto the closed enum.
// Unrecognized codes become StatusUnknown, which classifies as neither
// active nor terminal.
func ParseStatus(raw string) Status {
	switch raw {
	case "ACK":
		return StatusAcknowledged
	case "DON", "QUE", "QUEUED":
		return StatusQueued
	case "REC":
		return StatusReceived
	case "FIL", "FLL":
		return StatusFilled
	case "CAN":
		return StatusCanceled
	case "EXP":
		return StatusExpired
	case "REJ":
		return StatusRejected
	case "OUT":
		return StatusOut
	default:
		return StatusUnknown
	}
}

// Active reports whether the order is still working and cancelable. Active
// orders represent live exposure and must be accounted for before placing a
// new one for the same symbol.
func (s Status) Active() bool {
	switch s {
	case StatusAcknowledged, StatusQueued, StatusReceived, StatusPartiallyFilled:
		return true
	}
	return false
}

// Terminal reports whether the status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusOut:
		return true
	}
	return false
}

// Queued reports whether the order has been accepted by the gateway but not
// yet acknowledged by the venue. Queued orders count as active for duplicate
// prevention but are not safely mutable: modify calls must be held back until
// the venue acks.
func (s Status) Queued() bool {
	return s == StatusQueued
}
