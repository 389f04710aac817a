package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	subdomain "github.com/stackmerce/billing/internal/subscription/domain"
)

// @Summary      List Plans
// @Tags         subscriptions
// @Produce      json
// @Success      200 {object} []subdomain.SubscriptionPlan
// @Router       /v1/plans [get]
func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.subSvc.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plans})
}

type createSubscriptionRequest struct {
	TenantID string         `json:"tenant_id"`
	PlanID   string         `json:"plan_id"`
	Quantity int            `json:"quantity"`
	Metadata map[string]any `json:"metadata"`
}

// @Summary      Create Subscription
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        request body createSubscriptionRequest true "Create Request"
// @Success      200 {object} subdomain.Subscription
// @Router       /v1/subscriptions [post]
func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, err := parseSnowflake(req.TenantID)
	if err != nil {
		AbortWithError(c, newValidationError("tenant_id", "invalid_id", "tenant_id must be a numeric snowflake"))
		return
	}
	planID, err := parseSnowflake(req.PlanID)
	if err != nil {
		AbortWithError(c, newValidationError("plan_id", "invalid_id", "plan_id must be a numeric snowflake"))
		return
	}

	sub, err := s.subSvc.CreateSubscription(c.Request.Context(), subdomain.CreateRequest{
		TenantID: tenantID,
		PlanID:   planID,
		Quantity: req.Quantity,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

// @Summary      Get Subscription
// @Tags         subscriptions
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Success      200 {object} subdomain.Subscription
// @Router       /v1/subscriptions/{id} [get]
func (s *Server) GetSubscription(c *gin.Context) {
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subSvc.GetSubscription(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type changePlanRequest struct {
	NewPlanID string `json:"new_plan_id"`
	Proration bool   `json:"proration"`
	Immediate bool   `json:"immediate"`
}

// @Summary      Change Plan
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Param        request body changePlanRequest true "Change Request"
// @Success      200 {object} subdomain.ChangePlanResult
// @Router       /v1/subscriptions/{id}/change-plan [post]
func (s *Server) ChangePlan(c *gin.Context) {
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	newPlanID, err := parseSnowflake(req.NewPlanID)
	if err != nil {
		AbortWithError(c, newValidationError("new_plan_id", "invalid_id", "new_plan_id must be a numeric snowflake"))
		return
	}

	result, err := s.subSvc.ChangePlan(c.Request.Context(), subdomain.ChangePlanRequest{
		SubscriptionID: id,
		NewPlanID:      newPlanID,
		Proration:      req.Proration,
		Immediate:      req.Immediate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type cancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

// @Summary      Cancel Subscription
// @Tags         subscriptions
// @Accept       json
// @Produce      json
// @Param        id path string true "Subscription ID"
// @Param        request body cancelSubscriptionRequest true "Cancel Request"
// @Success      200 {object} subdomain.Subscription
// @Router       /v1/subscriptions/{id}/cancel [post]
func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := parseSnowflake(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subSvc.CancelSubscription(c.Request.Context(), subdomain.CancelRequest{
		SubscriptionID: id,
		Immediate:      req.Immediate,
		Reason:         req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}
