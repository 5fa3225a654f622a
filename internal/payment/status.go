package payment

// Status is the lifecycle state of a Payment.
type Status string

const (
	StatusCreated              Status = "created"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusConfirmed            Status = "confirmed"
	StatusFailed               Status = "failed"
	StatusExpired              Status = "expired"
	StatusRefunded             Status = "refunded"
)

// IsTerminal reports whether no further automatic transition applies, the
// explicit confirmed -> refunded path aside.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusCreated:
		switch next {
		case StatusAwaitingConfirmation, StatusConfirmed, StatusFailed, StatusExpired:
			return true
		}
	case StatusAwaitingConfirmation:
		switch next {
		case StatusConfirmed, StatusFailed, StatusExpired:
			return true
		}
	case StatusConfirmed:
		return next == StatusRefunded
	}
	return false
}

// ClaimedStatus is the outcome asserted by a confirmation signal.
type ClaimedStatus string

const (
	ClaimSuccess  ClaimedStatus = "success"
	ClaimPending  ClaimedStatus = "pending"
	ClaimFailed   ClaimedStatus = "failed"
	ClaimExpired  ClaimedStatus = "expired"
	ClaimRefunded ClaimedStatus = "refunded"
)

// Target returns the payment status the claim would move a payment to.
func (c ClaimedStatus) Target() (Status, bool) {
	switch c {
	case ClaimSuccess:
		return StatusConfirmed, true
	case ClaimFailed:
		return StatusFailed, true
	case ClaimExpired:
		return StatusExpired, true
	case ClaimRefunded:
		return StatusRefunded, true
	default:
		return "", false
	}
}

// Valid reports whether c is a known claim.
func (c ClaimedStatus) Valid() bool {
	switch c {
	case ClaimSuccess, ClaimPending, ClaimFailed, ClaimExpired, ClaimRefunded:
		return true
	default:
		return false
	}
}
