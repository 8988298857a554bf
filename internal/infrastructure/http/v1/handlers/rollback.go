package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"dtsrm/internal/core/apperror"
	appctx "dtsrm/internal/core/context"
	"dtsrm/internal/domain/rollback"
	"dtsrm/internal/infrastructure/http/v1/dto"
)

// RollbackService is the part of rollback.Service the handler needs.
type RollbackService interface {
	BranchRollback(ctx context.Context, bc rollback.BranchContext) error
	Preview(ctx context.Context, bc rollback.BranchContext) (*rollback.Plan, error)
}

// RollbackHandler serves branch rollback requests from coordinators.
type RollbackHandler struct {
	*BaseHandler
	service RollbackService
}

// NewRollbackHandler creates a rollback handler.
func NewRollbackHandler(base *BaseHandler, service RollbackService) *RollbackHandler {
	return &RollbackHandler{BaseHandler: base, service: service}
}

// RegisterRoutes registers the branch routes.
func (h *RollbackHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rollback", h.Rollback)
	rg.POST("/rollback/preview", h.Preview)
}

// Rollback compensates a branch. A branch with nothing to undo also yields 204.
// POST /api/v1/branches/rollback
func (h *RollbackHandler) Rollback(c *gin.Context) {
	bc, ok := h.bindBranch(c)
	if !ok {
		return
	}

	if err := h.service.BranchRollback(c.Request.Context(), bc); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// Preview returns the statements a rollback would run, without running them.
// POST /api/v1/branches/rollback/preview
func (h *RollbackHandler) Preview(c *gin.Context) {
	bc, ok := h.bindBranch(c)
	if !ok {
		return
	}

	plan, err := h.service.Preview(c.Request.Context(), bc)
	if err != nil {
		h.Error(c, err)
		return
	}
	if plan == nil {
		h.Error(c, apperror.NewNotFound("undo log", bc.GlobalID()))
		return
	}

	resp := dto.PlanResponse{
		LogID:      plan.Context.LogID,
		XID:        plan.Context.XID,
		BranchID:   plan.Context.BranchID,
		Changes:    len(plan.Context.Changes),
		Statements: make([]dto.StatementView, 0, len(plan.Statements)),
	}
	for _, s := range plan.Statements {
		resp.Statements = append(resp.Statements, dto.StatementView{SQL: s.SQL, Args: s.Args})
	}
	h.OK(c, resp)
}

func (h *RollbackHandler) bindBranch(c *gin.Context) (rollback.BranchContext, bool) {
	var req dto.BranchRollbackRequest
	if !h.BindJSON(c, &req) {
		return rollback.BranchContext{}, false
	}

	if caller := appctx.GetCaller(c.Request.Context()); caller != nil && !caller.CanAccess(req.DataSource) {
		h.Error(c, apperror.NewForbidden("data source not allowed for caller").
			WithDetail("datasource", req.DataSource))
		return rollback.BranchContext{}, false
	}

	return rollback.BranchContext{
		DataSource: req.DataSource,
		XID:        req.XID,
		BranchID:   req.BranchID,
	}, true
}
