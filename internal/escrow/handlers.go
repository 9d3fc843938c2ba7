package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/auth"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/gateway"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/jobs"
	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/ledger"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/fund", h.Fund)
	r.GET("/escrow", h.ListAccounts)
	r.GET("/escrow/:id", h.GetAccount)
	r.GET("/escrow/:id/ledger", h.GetLedger)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/escrow/:id/refund", h.Refund)
	r.POST("/escrow/:id/milestones", h.AddMilestone)
	r.GET("/escrow/:id/milestones", h.ListMilestones)
	r.POST("/escrow/:id/milestones/:milestoneId/release", h.ReleaseMilestone)
}

// Fund handles POST /v1/escrow/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "jobId, amount, and currency are required",
		})
		return
	}

	result, err := h.service.Fund(c.Request.Context(), req, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"accountId":    result.Account.ID,
		"clientSecret": result.ClientSecret,
		"account":      result.Account,
	})
}

// GetAccount handles GET /v1/escrow/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// ListAccounts handles GET /v1/escrow
func (h *Handler) ListAccounts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	accounts, err := h.service.ListByClient(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// GetLedger handles GET /v1/escrow/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	transactions, err := h.service.History(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	result, err := h.service.Release(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"professionalAmount": result.ProfessionalAmount,
		"commissionAmount":   result.CommissionAmount,
		"platformFeeAmount":  result.PlatformFeeAmount,
	})
}

// Refund handles POST /v1/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	result, err := h.service.Refund(c.Request.Context(), c.Param("id"), req, auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"refundId":  result.RefundID,
		"amount":    result.Amount,
		"status":    result.Status,
		"remaining": result.Remaining,
	})
}

// AddMilestone handles POST /v1/escrow/:id/milestones
func (h *Handler) AddMilestone(c *gin.Context) {
	var req MilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title and amount are required",
		})
		return
	}

	milestone, err := h.service.AddMilestone(c.Request.Context(), c.Param("id"), req, auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": milestone})
}

// ListMilestones handles GET /v1/escrow/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	milestones, err := h.service.Milestones(c.Request.Context(), c.Param("id"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// ReleaseMilestone handles POST /v1/escrow/:id/milestones/:milestoneId/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	result, err := h.service.ReleaseMilestone(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), auth.UserID(c), auth.IsAdmin(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"professionalAmount": result.ProfessionalAmount,
		"commissionAmount":   result.CommissionAmount,
		"platformFeeAmount":  result.PlatformFeeAmount,
		"remaining":          result.Remaining,
	})
}

// writeError maps service errors to HTTP responses. Gateway failures
// deliberately get a coarse message so processor internals never leak
// to clients.
func writeError(c *gin.Context, err error) {
	var gwErr *gateway.Error
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Resource not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not authorized for this escrow operation",
		})
	case errors.Is(err, ledger.ErrCapExceeded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "cap_exceeded",
			"message": "Requested amount exceeds the remaining balance",
		})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrPayoutsDisabled), errors.Is(err, ErrManualResolution),
		errors.Is(err, ErrMilestoneReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMilestoneBudget):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment processor rejected the operation",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
