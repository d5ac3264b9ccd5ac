package order

import (
	"fmt"
	"strings"
)

// Status is the gateway's view of an order's lifecycle.
type Status int8

const (
	Pending Status = iota // built and submitted, no exchange id yet
	Open
	PartiallyFilled
	PendingCancel // cancel submitted, not yet observed
	Filled
	Cancelled
	Expired
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case PendingCancel:
		return "pending_cancel"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "pending":
		return Pending, nil
	case "open":
		return Open, nil
	case "partially_filled":
		return PartiallyFilled, nil
	case "pending_cancel":
		return PendingCancel, nil
	case "filled":
		return Filled, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	case "expired":
		return Expired, nil
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// transitions lists the statuses reachable from each non-terminal status.
// Self-transitions carry fill deltas without changing the status.
// PendingCancel may fall back to Open/PartiallyFilled when the exchange
// rejects the cancel outright, and may be overtaken by a fill or expiry.
var transitions = map[Status][]Status{
	Pending:         {Open},
	Open:            {Open, PartiallyFilled, Filled, PendingCancel, Expired},
	PartiallyFilled: {PartiallyFilled, Open, Filled, PendingCancel, Expired},
	PendingCancel:   {PendingCancel, Cancelled, Open, PartiallyFilled, Filled, Expired},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Side is the order direction.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "bid", "long":
		return Buy, nil
	case "sell", "ask", "short":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
