package settlement

import (
	"testing"
	"time"

	"github.com/ksred/klear-nft/internal/types"
	"github.com/stretchr/testify/require"
)

func TestSelectBindingBid(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		bids   []types.Auction
		policy BidPolicy
		want   string
	}{
		{
			name:   "no_bids",
			policy: PolicyLatest,
		},
		{
			name: "latest_ignores_price",
			bids: []types.Auction{
				bid("AUC_1", "USR_B", "5.0", base),
				bid("AUC_2", "USR_C", "0.1", base.Add(time.Second)),
			},
			policy: PolicyLatest,
			want:   "AUC_2",
		},
		{
			name: "latest_unsorted_input",
			bids: []types.Auction{
				bid("AUC_1", "USR_B", "1.0", base.Add(time.Hour)),
				bid("AUC_2", "USR_C", "2.0", base),
			},
			policy: PolicyLatest,
			want:   "AUC_1",
		},
		{
			name: "latest_tie_takes_later_row",
			bids: []types.Auction{
				bid("AUC_1", "USR_B", "1.0", base),
				bid("AUC_2", "USR_C", "1.0", base),
			},
			policy: PolicyLatest,
			want:   "AUC_2",
		},
		{
			name: "highest_price",
			bids: []types.Auction{
				bid("AUC_1", "USR_B", "0.9", base),
				bid("AUC_2", "USR_C", "1.1", base.Add(time.Minute)),
				bid("AUC_3", "USR_B", "1.0", base.Add(2*time.Minute)),
			},
			policy: PolicyHighest,
			want:   "AUC_2",
		},
		{
			name: "highest_tie_takes_earliest",
			bids: []types.Auction{
				bid("AUC_1", "USR_B", "1.0", base.Add(time.Minute)),
				bid("AUC_2", "USR_C", "1.0", base),
			},
			policy: PolicyHighest,
			want:   "AUC_2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectBindingBid(tt.bids, tt.policy)
			if tt.want == "" {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, tt.want, got.AuctionID)
		})
	}
}

func TestParseBidPolicy(t *testing.T) {
	policy, err := ParseBidPolicy("highest")
	require.NoError(t, err)
	require.Equal(t, PolicyHighest, policy)

	_, err = ParseBidPolicy("lowest")
	require.Error(t, err)
}
