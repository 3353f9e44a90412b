package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

type openAccountRequest struct {
	OwnerID  string `json:"owner_id" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

type movementRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleOpenAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	acc, err := s.accounts.Open(c.Request.Context(), req.OwnerID, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, acc)
}

// handleGetAccount replays the aggregate, so it never lags behind writes
func (s *Server) handleGetAccount(c *gin.Context) {
	acc, err := s.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

// handleListAccounts serves the projected read models of one owner
func (s *Server) handleListAccounts(c *gin.Context) {
	ownerID := c.Query("owner_id")
	if ownerID == "" {
		respondBadRequest(c, errors.New("owner_id is required"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": s.queries.ListAccountsByOwner(ownerID)})
}

func (s *Server) handleViewAccount(c *gin.Context) {
	view, ok := s.queries.GetAccount(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) handleTotalBalance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"balances": s.queries.TotalBalance()})
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	acc, err := s.accounts.Deposit(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req movementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	acc, err := s.accounts.Withdraw(c.Request.Context(), c.Param("id"), req.Amount, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleFreezeAccount(c *gin.Context) {
	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, err)
		return
	}

	acc, err := s.accounts.Freeze(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleUnfreezeAccount(c *gin.Context) {
	acc, err := s.accounts.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleCloseAccount(c *gin.Context) {
	acc, err := s.accounts.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, acc)
}

// bindOptionalJSON binds the body when one was sent
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
