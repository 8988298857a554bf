// Package dto provides Data Transfer Objects for API requests/responses.
package dto

// BranchRollbackRequest asks the resource manager to compensate one branch.
type BranchRollbackRequest struct {
	DataSource string `json:"dataSource" binding:"required"`
	XID        string `json:"xid" binding:"required"`
	BranchID   int64  `json:"branchId" binding:"required,gt=0"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PlanResponse previews a branch rollback.
type PlanResponse struct {
	LogID      int64           `json:"logId"`
	XID        string          `json:"xid"`
	BranchID   int64           `json:"branchId"`
	Changes    int             `json:"changes"`
	Statements []StatementView `json:"statements"`
}

// StatementView is one inverse statement with its arguments.
type StatementView struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}
