package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	creditdomain "github.com/stackmerce/billing/internal/credit/domain"
)

func parseSnowflake(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		return 0, newValidationError("id", "invalid_id", "id must be a numeric snowflake")
	}
	return id, nil
}

// @Summary      Get Credit Balance
// @Tags         credits
// @Produce      json
// @Param        tenant_id path string true "Tenant ID"
// @Success      200 {object} map[string]any
// @Router       /v1/tenants/{tenant_id}/credits/balance [get]
func (s *Server) GetBalance(c *gin.Context) {
	tenantID, err := parseSnowflake(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.Balance(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	available, err := s.creditSvc.Available(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"tenant_id": tenantID.String(),
		"balance":   balance,
		"available": available,
	}})
}

type purchaseCreditsRequest struct {
	Amount        int64          `json:"amount"`
	PaymentMethod string         `json:"payment_method"`
	Currency      string         `json:"currency"`
	Metadata      map[string]any `json:"metadata"`
}

// @Summary      Purchase Credits
// @Tags         credits
// @Accept       json
// @Produce      json
// @Param        tenant_id path string true "Tenant ID"
// @Param        request body purchaseCreditsRequest true "Purchase Request"
// @Success      200 {object} creditdomain.PurchaseResult
// @Router       /v1/tenants/{tenant_id}/credits/purchase [post]
func (s *Server) PurchaseCredits(c *gin.Context) {
	tenantID, err := parseSnowflake(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req purchaseCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.creditSvc.Purchase(c.Request.Context(), creditdomain.PurchaseRequest{
		TenantID:      tenantID,
		Amount:        req.Amount,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Currency:      strings.TrimSpace(req.Currency),
		Metadata:      req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type reserveCreditsRequest struct {
	Amount  int64  `json:"amount"`
	Purpose string `json:"purpose"`
}

// @Summary      Reserve Credits
// @Tags         credits
// @Accept       json
// @Produce      json
// @Param        tenant_id path string true "Tenant ID"
// @Param        request body reserveCreditsRequest true "Reserve Request"
// @Success      200 {object} creditdomain.CreditReservation
// @Router       /v1/tenants/{tenant_id}/credits/reservations [post]
func (s *Server) ReserveCredits(c *gin.Context) {
	tenantID, err := parseSnowflake(c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req reserveCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reservation, err := s.creditSvc.Reserve(c.Request.Context(), tenantID, req.Amount, strings.TrimSpace(req.Purpose))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reservation})
}

// @Summary      Consume Reservation
// @Tags         credits
// @Produce      json
// @Param        id path string true "Reservation ID"
// @Success      200 {object} creditdomain.CreditTransaction
// @Router       /v1/credits/reservations/{id}/consume [post]
func (s *Server) ConsumeReservation(c *gin.Context) {
	reservationID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	txn, err := s.creditSvc.Consume(c.Request.Context(), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

type releaseReservationRequest struct {
	Reason string `json:"reason"`
}

// @Summary      Release Reservation
// @Tags         credits
// @Accept       json
// @Produce      json
// @Param        id path string true "Reservation ID"
// @Param        request body releaseReservationRequest true "Release Request"
// @Success      200 {object} map[string]any
// @Router       /v1/credits/reservations/{id}/release [post]
func (s *Server) ReleaseReservation(c *gin.Context) {
	reservationID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req releaseReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.creditSvc.Release(c.Request.Context(), reservationID, strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released"})
}
