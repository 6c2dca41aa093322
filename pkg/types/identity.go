package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ProductIdentity formats the durable identity for the seq-th product minted
// for a market: {market}_product_{seq}. Sequence numbers start at 1 and are
// strictly increasing per market; identities are never reused.
//
// Vendors need no synthetic identity: markets enforce unique display names,
// so a vendor's name is its identity. Products get synthetic identities
// because product names are renamed and duplicated freely.
func ProductIdentity(market string, seq int) string {
	return fmt.Sprintf("%s_%s_%d", market, KindProduct, seq)
}

// ParseProductIdentity splits an identity back into market and sequence
// number. ok is false for strings not produced by ProductIdentity.
func ParseProductIdentity(id string) (market string, seq int, ok bool) {
	marker := "_" + string(KindProduct) + "_"
	i := strings.LastIndex(id, marker)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+len(marker):])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return id[:i], n, true
}
