package settlement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-nft/internal/auth"
	"github.com/ksred/klear-nft/internal/types"
	"github.com/ksred/klear-nft/pkg/response"
	"github.com/rs/zerolog/log"
)

var ErrPassAlreadyQueued = errors.New("a settlement pass is already queued")

// ItemReader exposes the settlement related view of an item
type ItemReader interface {
	GetItem(ctx context.Context, itemID string) (*types.Item, error)
	GetAcceptanceForItem(ctx context.Context, itemID string) (*types.AuctionAcceptance, error)
	GetOffersForItem(ctx context.Context, itemID string) ([]types.Offer, error)
}

type Service struct {
	processor  *Processor
	db         *Database
	items      ItemReader
	historyMax int
}

func NewService(processor *Processor, db *Database, items ItemReader, historyMax int) *Service {
	if historyMax <= 0 {
		historyMax = 50
	}
	return &Service{
		processor:  processor,
		db:         db,
		items:      items,
		historyMax: historyMax,
	}
}

// QueueRun asks the processor loop for an immediate pass
func (s *Service) QueueRun() (*types.RunQueuedResponse, error) {
	if !s.processor.Trigger() {
		return nil, ErrPassAlreadyQueued
	}
	return &types.RunQueuedResponse{
		Queued:    true,
		NextRun:   s.processor.ScheduledRun(),
		Timestamp: time.Now(),
	}, nil
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]SettlementRun, error) {
	if limit <= 0 || limit > s.historyMax {
		limit = s.historyMax
	}
	return s.db.ListRuns(ctx, limit)
}

func (s *Service) GetItemSettlement(ctx context.Context, itemID string) (*types.ItemSettlementResponse, error) {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	acceptance, err := s.items.GetAcceptanceForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	offers, err := s.items.GetOffersForItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	attempt, err := s.db.GetAttempt(ctx, itemID)
	if err != nil {
		return nil, err
	}

	resp := &types.ItemSettlementResponse{
		Item:       *item,
		Acceptance: acceptance,
		Offers:     offers,
		Timestamp:  time.Now(),
	}
	if attempt != nil {
		resp.Attempts = attempt.Attempts
		resp.LastError = attempt.LastError
		resp.PendingTxHash = attempt.PendingTxHash
	}
	return resp, nil
}

// GinHandlers contains HTTP handlers for the internal settlement endpoints
type GinHandlers struct {
	service  *Service
	notFound []error
}

// NewGinHandlers takes the errors that should be reported as 404
func NewGinHandlers(service *Service, notFound ...error) *GinHandlers {
	return &GinHandlers{
		service:  service,
		notFound: notFound,
	}
}

func (h *GinHandlers) RunSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queued, err := h.service.QueueRun()
		if errors.Is(err, ErrPassAlreadyQueued) {
			response.Busy(c, err.Error())
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		log.Info().
			Str("component", "settlement_api").
			Str("operator_id", auth.GetOperatorID(c)).
			Msg("manual settlement pass queued")
		response.Accepted(c, queued)
	}
}

func (h *GinHandlers) ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		runs, err := h.service.ListRuns(c.Request.Context(), limit)
		response.Handle(c, runs, err)
	}
}

func (h *GinHandlers) GetItemSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemID := c.Param("item_id")

		view, err := h.service.GetItemSettlement(c.Request.Context(), itemID)
		response.Handle(c, view, err, h.notFound...)
	}
}
