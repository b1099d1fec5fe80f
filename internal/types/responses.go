package types

import "time"

// ItemSettlementResponse is the operator view of one item's settlement
type ItemSettlementResponse struct {
	Item          Item               `json:"item"`
	Acceptance    *AuctionAcceptance `json:"acceptance,omitempty"`
	Offers        []Offer            `json:"offers"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	PendingTxHash string             `json:"pending_tx_hash,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// RunQueuedResponse is returned when a manual settlement pass is requested
type RunQueuedResponse struct {
	Queued    bool      `json:"queued"`
	NextRun   time.Time `json:"next_run"`
	Timestamp time.Time `json:"timestamp"`
}
