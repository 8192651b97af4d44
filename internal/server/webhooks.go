package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook accepts one provider delivery. The response contract is
// what providers key their redelivery on: 200 means "stop resending",
// covering processed, queued-for-retry and duplicate deliveries alike.
func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if len(payload) == 0 || len(payload) > maxWebhookBody {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		s.log.Warn("webhook ingest failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}
