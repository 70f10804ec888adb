package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps how much of a delivery we buffer; provider events are
// a few KB.
const maxWebhookBody = 1 << 20

const signatureHeader = "Stripe-Signature"

// handleStripeWebhook ingests provider deliveries. Responses drive the
// provider's retry machinery: 2xx acknowledges (including events we choose to
// ignore), 4xx rejects bad signatures permanently, 5xx asks for redelivery.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, newValidationError("body", "unreadable_body", "could not read request body"))
		return
	}

	outcome, err := s.reconciler.ProcessWebhook(c.Request.Context(), payload, c.GetHeader(signatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"result":   string(outcome),
	})
}
