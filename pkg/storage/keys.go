package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema
//
//	ord:<owner>:<clientOrderID> -> order.Record (JSON)
//	acc:<owner>:<market>        -> exchange.AccountHandle (JSON)
const (
	prefixOrder   = "ord:"
	prefixAccount = "acc:"
)

// orderKey returns the key for a tracked order
// Format: "ord:{owner}:{clientOrderID}"
func orderKey(owner common.Address, clientOrderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, owner.Hex(), clientOrderID))
}

// orderPrefix returns the prefix for all orders of an owner
func orderPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, owner.Hex()))
}

// accountKey returns the key for a trading account handle
// Format: "acc:{owner}:{market}"
func accountKey(owner common.Address, market string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixAccount, owner.Hex(), market))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: "ord:0x12:" -> "ord:0x12;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
