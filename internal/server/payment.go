package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// @Summary      Refund Payment
// @Tags         payments
// @Accept       json
// @Produce      json
// @Param        id path string true "Payment ID"
// @Param        request body refundRequest true "Refund Request"
// @Success      200 {object} paymentdomain.RefundResult
// @Router       /v1/payments/{id}/refund [post]
func (s *Server) ProcessRefund(c *gin.Context) {
	paymentID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.paymentSvc.ProcessRefund(c.Request.Context(), paymentID, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// HandleWebhook ingests a provider notification. The raw body is passed to
// the adapter untouched; the signature covers the exact bytes on the wire.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	signature := c.GetHeader("X-Webhook-Signature")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.paymentSvc.HandleWebhook(c.Request.Context(), provider, body, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}
