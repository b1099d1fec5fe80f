package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Settlement status of an auctioned item
const (
	ItemStatusOpen     = "OPEN"
	ItemStatusAccepted = "ACCEPTED"
	ItemStatusLapsed   = "LAPSED"
	ItemStatusNoBids   = "NO_BIDS"
	ItemStatusSelfBid  = "SELF_BID"
	ItemStatusFailed   = "FAILED"
)

// Offer statuses
const (
	OfferStatusPending  = "PENDING"
	OfferStatusAccepted = "ACCEPTED"
	OfferStatusDeclined = "DECLINED"
)

type User struct {
	gorm.Model    `json:"-"`
	UserID        string    `gorm:"uniqueIndex" json:"user_id"`
	ExternalID    string    `gorm:"index" json:"external_id"` // identity known to the wallet service
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Collection struct {
	gorm.Model      `json:"-"`
	CollectionID    string    `gorm:"uniqueIndex" json:"collection_id"`
	Name            string    `json:"name"`
	ContractAddress string    `json:"contract_address"`
	ChainID         int64     `json:"chain_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Item is a single token put up for auction.
type Item struct {
	gorm.Model       `json:"-"`
	ItemID           string          `gorm:"uniqueIndex" json:"item_id"`
	Name             string          `json:"name"`
	OwnerID          string          `gorm:"index" json:"owner_id"`
	CollectionID     string          `json:"collection_id"`
	TokenID          string          `json:"token_id"` // uint256 in base 10
	ReservePrice     decimal.Decimal `gorm:"type:decimal(36,18)" json:"reserve_price"`
	Currency         string          `json:"currency"`
	AuctionEnd       time.Time       `json:"auction_end"`
	AuctionClosed    bool            `gorm:"default:false" json:"auction_closed"`
	SettlementStatus string          `gorm:"default:OPEN" json:"settlement_status"` // OPEN, ACCEPTED, LAPSED, NO_BIDS, SELF_BID, FAILED
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Auction is one bid placed against an item during its auction window.
type Auction struct {
	gorm.Model `json:"-"`
	AuctionID  string          `gorm:"uniqueIndex" json:"auction_id"`
	ItemID     string          `gorm:"index" json:"item_id"`
	SenderID   string          `json:"sender_id"`
	Price      decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Offer is a standing purchase proposal awaiting the owner's decision.
type Offer struct {
	gorm.Model      `json:"-"`
	OfferID         string          `gorm:"uniqueIndex" json:"offer_id"`
	ItemID          string          `gorm:"index" json:"item_id"`
	SenderID        string          `json:"sender_id"`
	ReceiverID      string          `json:"receiver_id"`
	Price           decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"` // PENDING, ACCEPTED, DECLINED
	SourceAuctionID *string         `gorm:"uniqueIndex" json:"source_auction_id,omitempty"` // set when carried over from a lapsed bid
	OfferDate       time.Time       `json:"offer_date"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AuctionAcceptance records a bid that was settled on chain.
type AuctionAcceptance struct {
	gorm.Model      `json:"-"`
	AcceptanceID    string    `gorm:"uniqueIndex" json:"acceptance_id"`
	AuctionID       string    `gorm:"uniqueIndex" json:"auction_id"`
	ItemID          string    `gorm:"index" json:"item_id"`
	BidderID        string    `json:"bidder_id"`
	TransactionHash string    `json:"transaction_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
