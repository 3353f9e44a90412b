package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/example/fintech-ledger/internal/api/middleware"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/gin-gonic/gin"
)

type fundEscrowRequest struct {
	PayerID   string    `json:"payer_id" binding:"required"`
	PayeeID   string    `json:"payee_id" binding:"required"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency" binding:"required"`
	TaskRef   string    `json:"task_ref"`
	ExpiresAt time.Time `json:"expires_at"`
}

type disputeRequest struct {
	RaisedBy string `json:"raised_by"`
	Reason   string `json:"reason"`
}

type resolveRequest struct {
	Outcome escrow.Outcome `json:"outcome" binding:"required"`
	Note    string         `json:"note"`
}

func (s *Server) handleFundEscrow(c *gin.Context) {
	var req fundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	e, err := s.escrows.Fund(c.Request.Context(), escrow.Terms{
		PayerID:   req.PayerID,
		PayeeID:   req.PayeeID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		TaskRef:   req.TaskRef,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, e)
}

func (s *Server) handleGetEscrow(c *gin.Context) {
	e, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

func (s *Server) handleListEscrows(c *gin.Context) {
	partyID := c.Query("party_id")
	if partyID == "" {
		respondBadRequest(c, errors.New("party_id is required"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrows": s.queries.ListEscrowsByParty(partyID)})
}

func (s *Server) handleViewEscrow(c *gin.Context) {
	view, ok := s.queries.GetEscrow(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) handleReleaseEscrow(c *gin.Context) {
	e, err := s.escrows.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

func (s *Server) handleRefundEscrow(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err)
		return
	}

	e, err := s.escrows.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

// handleDisputeEscrow records the authenticated actor as the disputing party.
// Without authentication the client names the party itself.
func (s *Server) handleDisputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err)
		return
	}
	if s.jwt != nil || req.RaisedBy == "" {
		req.RaisedBy = middleware.GetActor(c)
	}

	e, err := s.escrows.Dispute(c.Request.Context(), c.Param("id"), req.RaisedBy, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}

func (s *Server) handleResolveEscrow(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	e, err := s.escrows.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, e)
}
