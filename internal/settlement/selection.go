package settlement

import (
	"fmt"

	"github.com/ksred/klear-nft/internal/types"
)

// BidPolicy decides which bid of an ended auction is binding
type BidPolicy string

const (
	// PolicyLatest binds the most recently placed bid, whatever its price.
	PolicyLatest BidPolicy = "latest"
	// PolicyHighest binds the highest price, earliest bid first on ties.
	PolicyHighest BidPolicy = "highest"
)

func ParseBidPolicy(s string) (BidPolicy, error) {
	switch BidPolicy(s) {
	case PolicyLatest, PolicyHighest:
		return BidPolicy(s), nil
	}
	return "", fmt.Errorf("unknown bid policy %q", s)
}

// SelectBindingBid returns nil when there are no bids. Bids are expected in
// placement order; ties on created_at resolve to the later element for
// PolicyLatest.
func SelectBindingBid(bids []types.Auction, policy BidPolicy) *types.Auction {
	if len(bids) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(bids); i++ {
		switch policy {
		case PolicyHighest:
			cmp := bids[i].Price.Cmp(bids[best].Price)
			if cmp > 0 || (cmp == 0 && bids[i].CreatedAt.Before(bids[best].CreatedAt)) {
				best = i
			}
		default:
			if !bids[i].CreatedAt.Before(bids[best].CreatedAt) {
				best = i
			}
		}
	}

	bid := bids[best]
	return &bid
}
