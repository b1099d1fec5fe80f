package settlement

import (
	"time"

	"gorm.io/gorm"
)

// Outcome of settling one ended item in a pass
type Outcome string

const (
	OutcomeAccepted  Outcome = "ACCEPTED"
	OutcomeLapsed    Outcome = "LAPSED"
	OutcomeNoBids    Outcome = "NO_BIDS"
	OutcomeSelfBid   Outcome = "SELF_BID"
	OutcomeRetry     Outcome = "RETRY"     // failed, left open for the next pass
	OutcomeAbandoned Outcome = "ABANDONED" // failed too often, closed as FAILED
)

// SettlementAttempt tracks failed settlement attempts of one item
type SettlementAttempt struct {
	gorm.Model     `json:"-"`
	ItemID         string    `gorm:"uniqueIndex" json:"item_id"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	LastStep       string    `json:"last_step"`
	AuctionID      string    `json:"auction_id"`
	PurchaseTxHash string    `json:"purchase_tx_hash"` // set once the purchase is mined
	PendingTxHash  string    `json:"pending_tx_hash"`  // sent, not yet confirmed
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SettlementRun is the record of one settlement pass
type SettlementRun struct {
	gorm.Model `json:"-"`
	RunID      string     `gorm:"uniqueIndex" json:"run_id"`
	Trigger    string     `json:"trigger"` // SCHEDULE or MANUAL
	Status     string     `json:"status"`  // RUNNING, COMPLETED, FAILED
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Items      int        `json:"items"`
	Accepted   int        `json:"accepted"`
	Lapsed     int        `json:"lapsed"`
	NoBids     int        `json:"no_bids"`
	SelfBids   int        `json:"self_bids"`
	Retried    int        `json:"retried"`
	Abandoned  int        `json:"abandoned"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const (
	TriggerSchedule = "SCHEDULE"
	TriggerManual   = "MANUAL"

	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
	RunStatusFailed    = "FAILED"
)

// PassSummary counts the outcomes of one pass
type PassSummary struct {
	Items    int
	Outcomes map[Outcome]int
}

func newPassSummary() *PassSummary {
	return &PassSummary{Outcomes: make(map[Outcome]int)}
}

func (s *PassSummary) apply(run *SettlementRun) {
	run.Items = s.Items
	run.Accepted = s.Outcomes[OutcomeAccepted]
	run.Lapsed = s.Outcomes[OutcomeLapsed]
	run.NoBids = s.Outcomes[OutcomeNoBids]
	run.SelfBids = s.Outcomes[OutcomeSelfBid]
	run.Retried = s.Outcomes[OutcomeRetry]
	run.Abandoned = s.Outcomes[OutcomeAbandoned]
}
