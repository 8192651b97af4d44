package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/nairaflow/reconciler/internal/audit/domain"
	retrydomain "github.com/nairaflow/reconciler/internal/retry/domain"
	"github.com/nairaflow/reconciler/pkg/db/pagination"
)

type listDeadLettersQuery struct {
	pagination.Pagination
	Provider string `form:"provider"`
}

func (s *Server) listDeadLetters(c *gin.Context) {
	var query listDeadLettersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.queue.ListDeadLetters(c.Request.Context(), retrydomain.ListDeadLettersRequest{
		Provider:  query.Provider,
		PageSize:  query.PageSize,
		PageToken: query.PageToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": resp.Deliveries,
		"page_info":    resp.PageInfo,
	})
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	delivery, err := s.queue.Requeue(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivery": delivery})
}

func (s *Server) listAuditLogs(c *gin.Context) {
	var req auditdomain.ListAuditLogRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
