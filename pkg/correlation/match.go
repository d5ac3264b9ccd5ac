package correlation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/timborden/gateway/pkg/exchange"
)

var ErrCorrelationAmbiguous = errors.New("correlation ambiguous")

// AmbiguityError lists client orders whose token matched more than one
// candidate. They stay uncorrelated.
type AmbiguityError struct {
	ClientOrderIDs []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCorrelationAmbiguous, strings.Join(e.ClientOrderIDs, ","))
}

func (e *AmbiguityError) Is(target error) bool { return target == ErrCorrelationAmbiguous }

// Pending is a submitted order awaiting its exchange id.
type Pending struct {
	ClientOrderID string
	Token         int64
}

type Match struct {
	ClientOrderID   string `json:"clientOrderId"`
	ExchangeOrderID string `json:"exchangeOrderId"`
}

type Result struct {
	Matched   []Match
	Ambiguous []string
	// Unmatched orders were not in the snapshot: filled, rejected, or not yet visible.
	Unmatched []string
}

func (r Result) Err() error {
	if len(r.Ambiguous) == 0 {
		return nil
	}
	return &AmbiguityError{ClientOrderIDs: append([]string(nil), r.Ambiguous...)}
}

// Correlate joins pending orders to snapshot orders by token. Snapshot orders
// for which assigned returns true already belong to another record and are
// never candidates. A token that appears on more than one snapshot order, or
// on more than one pending order, makes every pending order using it ambiguous.
func Correlate(pending []Pending, snapshot []exchange.OpenOrder, assigned func(exchangeOrderID string) bool) Result {
	candidates := make(map[int64][]string)
	for _, o := range snapshot {
		if assigned != nil && assigned(o.ExchangeOrderID) {
			continue
		}
		candidates[o.ExpiryToken] = append(candidates[o.ExpiryToken], o.ExchangeOrderID)
	}
	claims := make(map[int64]int, len(pending))
	for _, p := range pending {
		claims[p.Token]++
	}

	var res Result
	for _, p := range pending {
		ids := candidates[p.Token]
		switch {
		case len(ids) > 1 || (claims[p.Token] > 1 && len(ids) > 0):
			res.Ambiguous = append(res.Ambiguous, p.ClientOrderID)
		case len(ids) == 0:
			res.Unmatched = append(res.Unmatched, p.ClientOrderID)
		default:
			res.Matched = append(res.Matched, Match{ClientOrderID: p.ClientOrderID, ExchangeOrderID: ids[0]})
		}
	}
	return res
}
