package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paygate/internal/billing/domain"
)

type subscriptionResponse struct {
	UserID                 string     `json:"user_id"`
	Status                 string     `json:"status"`
	Plan                   string     `json:"plan,omitempty"`
	ExternalSubscriptionID *string    `json:"external_subscription_id,omitempty"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAt               *time.Time `json:"cancel_at,omitempty"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
}

func (s *Server) handleGetEntitlement(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	entitled, err := s.entitlements.IsEntitled(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entitled": entitled})
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	sub, err := s.entitlements.GetSubscription(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, subscriptionResponse{
		UserID:                 sub.UserID,
		Status:                 string(sub.Status),
		Plan:                   sub.Plan,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAt:               sub.CancelAt,
		CanceledAt:             sub.CanceledAt,
	})
}

type createCheckoutRequest struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Plan      string `json:"plan"`
	ReturnURL string `json:"return_url"`
}

func (s *Server) handleCreateCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_json", "invalid request body"))
		return
	}
	if req.UserID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}
	if req.Plan == "" {
		AbortWithError(c, newValidationError("plan", "required", "plan is required"))
		return
	}

	session, err := s.checkout.CreateCheckoutSession(c.Request.Context(), domain.CheckoutParams{
		UserID:    req.UserID,
		Email:     req.Email,
		Plan:      req.Plan,
		ReturnURL: req.ReturnURL,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": session.ID, "url": session.URL})
}

type checkoutConfirmedRequest struct {
	UserID string `json:"user_id"`
}

// handleCheckoutConfirmed is hit by the post-redirect page. It flips the
// bounded grace flag so freshly paid users are not locked out while the
// provider's webhook is still in flight.
func (s *Server) handleCheckoutConfirmed(c *gin.Context) {
	var req checkoutConfirmedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	if err := s.entitlements.MarkRecentPayment(c.Request.Context(), req.UserID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
