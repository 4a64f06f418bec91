package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blingmoon/simple-approval/approval"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
)

type Handler struct {
	service approval.ApprovalService
}

func NewHandler(service approval.ApprovalService) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes 提交需要登录, 审核和重试需要审核权限
func RegisterRoutes(router gin.IRouter, h *Handler, guard AccessGuard) {
	// metadata 里面的大整数不能变成 float64
	binding.EnableDecoderUseNumber = true
	approvals := router.Group("/api/approvals")
	approvals.Use(AuthMiddleware(guard))
	{
		approvals.POST("", h.Submit)
		approvals.GET("", h.ListPending)
		approvals.GET("/audit", h.QueryAudit)
		approvals.GET("/:id", h.GetWorkflow)

		approvals.POST("/:id/review", RequireReviewer(), h.Review)
		approvals.POST("/:id/approve", RequireReviewer(), h.reviewWithOutcome(approval.ApprovalStatusApproved))
		approvals.POST("/:id/reject", RequireReviewer(), h.reviewWithOutcome(approval.ApprovalStatusRejected))
		approvals.POST("/:id/side-effects/retry", RequireReviewer(), h.RetrySideEffect)
	}
}

type submitBody struct {
	EntityType string         `json:"entity_type" binding:"required"`
	EntityID   string         `json:"entity_id" binding:"required"`
	Notes      *string        `json:"notes"`
	Metadata   map[string]any `json:"metadata"`
}

type reviewBody struct {
	Outcome string  `json:"outcome" binding:"required,oneof=approved rejected"`
	Notes   *string `json:"notes"`
}

type notesBody struct {
	Notes *string `json:"notes"`
}

func (h *Handler) Submit(c *gin.Context) {
	actor, _ := actorFromContext(c)
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields", "details": err.Error()})
		return
	}
	workflow, err := h.service.Submit(c.Request.Context(), &approval.SubmitReq{
		TenantID:    actor.TenantID,
		EntityType:  body.EntityType,
		EntityID:    body.EntityID,
		SubmittedBy: actor.UserID,
		Notes:       body.Notes,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "approval": workflow})
}

func (h *Handler) Review(c *gin.Context) {
	var body reviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid review outcome", "details": err.Error()})
		return
	}
	h.review(c, body.Outcome, body.Notes)
}

func (h *Handler) reviewWithOutcome(outcome approval.ApprovalStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body notesBody
		// body 可以为空
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
				return
			}
		}
		h.review(c, outcome, body.Notes)
	}
}

func (h *Handler) review(c *gin.Context, outcome approval.ApprovalStatus, notes *string) {
	actor, _ := actorFromContext(c)
	workflowID, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	workflow, err := h.service.Review(c.Request.Context(), &approval.ReviewReq{
		TenantID:   actor.TenantID,
		WorkflowID: workflowID,
		ReviewerID: actor.UserID,
		Outcome:    outcome,
		Notes:      notes,
	})
	if err != nil {
		writeError(c, err, workflow)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"approval": workflow,
		"message":  "Approval workflow " + outcome + " successfully",
	})
}

func (h *Handler) RetrySideEffect(c *gin.Context) {
	actor, _ := actorFromContext(c)
	workflowID, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	workflow, err := h.service.RetrySideEffect(c.Request.Context(), actor.TenantID, workflowID)
	if err != nil {
		writeError(c, err, workflow)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "approval": workflow})
}

func (h *Handler) GetWorkflow(c *gin.Context) {
	actor, _ := actorFromContext(c)
	workflowID, ok := parseWorkflowID(c)
	if !ok {
		return
	}
	workflow, err := h.service.GetWorkflow(c.Request.Context(), actor.TenantID, workflowID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approval": workflow})
}

func (h *Handler) ListPending(c *gin.Context) {
	actor, _ := actorFromContext(c)
	params := &approval.ListPendingParams{TenantID: actor.TenantID}
	if v := c.Query("entity_type"); v != "" {
		params.EntityType = &v
	}
	var err error
	if params.SubmittedBy, err = queryInt64(c, "submitted_by"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid submitted_by"})
		return
	}
	if params.Limit, err = queryLimit(c); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	workflows, err := h.service.ListPending(c.Request.Context(), params)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": workflows, "count": len(workflows)})
}

func (h *Handler) QueryAudit(c *gin.Context) {
	actor, _ := actorFromContext(c)
	params := &approval.QueryAuditParams{TenantID: actor.TenantID}
	if v := c.Query("entity_type"); v != "" {
		params.EntityType = &v
	}
	if v := c.Query("entity_id"); v != "" {
		params.EntityID = &v
	}
	var err error
	if params.ReviewedBy, err = queryInt64(c, "reviewed_by"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reviewed_by"})
		return
	}
	if params.ReviewedFrom, err = queryTime(c, "start_date", false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_date"})
		return
	}
	if params.ReviewedTo, err = queryTime(c, "end_date", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid end_date"})
		return
	}
	if params.Limit, err = queryLimit(c); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	trail, err := h.service.QueryAudit(c.Request.Context(), params)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, trail)
}

// writeError 错误类型 -> http 状态码, workflow 不为空时一起返回(副作用失败时审核结论已经生效)
func writeError(c *gin.Context, err error, workflow *approval.ApprovalWorkflow) {
	var invalidState *approval.InvalidStateError
	var sideEffectErr *approval.SideEffectError
	var storeErr *approval.StoreError
	switch {
	case errors.As(err, &sideEffectErr):
		slog.ErrorContext(c.Request.Context(), "approval side effect failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Your decision was recorded but we could not update the underlying content. It will be retried.",
			"approval":  workflow,
			"retryable": true,
		})
	case errors.Is(err, approval.ErrApprovalParamInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
	case errors.Is(err, approval.ErrApprovalWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
	case errors.As(err, &invalidState):
		msg := "This item was already " + invalidState.Status
		if invalidState.Status == approval.ApprovalStatusPending {
			msg = "This item has not been reviewed yet"
		} else if invalidState.ReviewedBy != nil {
			msg += " by " + strconv.FormatInt(*invalidState.ReviewedBy, 10)
		}
		c.JSON(http.StatusConflict, gin.H{"error": msg, "status": invalidState.Status, "reviewed_by": invalidState.ReviewedBy})
	case errors.Is(err, approval.ErrApprovalDuplicatePending):
		c.JSON(http.StatusConflict, gin.H{"error": "This item is already pending review"})
	case errors.Is(err, approval.LockFailedError):
		c.JSON(http.StatusConflict, gin.H{"error": "A retry for this item is already running"})
	case errors.As(err, &storeErr):
		slog.ErrorContext(c.Request.Context(), "approval store failed", "err", err, "timeout", storeErr.Timeout())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable, please retry", "retryable": true})
	default:
		slog.ErrorContext(c.Request.Context(), "approval request failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func parseWorkflowID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid approval id"})
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, key string) (*int64, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func queryLimit(c *gin.Context) (int, error) {
	v := c.Query("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 || limit > approval.MaxQueryLimit {
		return 0, errors.Errorf("invalid limit %q", v)
	}
	return limit, nil
}

// queryTime 支持 RFC3339 和 2006-01-02, 只有日期的结束时间取当天最后一毫秒
func queryTime(c *gin.Context, key string, endOfDay bool) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return &t, nil
}
