package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRollback_InheritsCauseStatus(t *testing.T) {
	cause := NewDirtyWrite("accounts", "rec", "live")
	err := NewRollback(cause)

	assert.Equal(t, CodeRollback, err.Code)
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
	assert.Equal(t, CodeDirtyWrite, err.Details["cause_code"])
	assert.Equal(t, "rec", err.Details["recorded"])
	assert.True(t, IsDirtyWrite(err))
	assert.False(t, IsIntegrity(err))
}

func TestNewRollback_PlainCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewRollback(cause)

	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Details, "cause_code")
}

func TestHasCode_ThroughFmtWrapping(t *testing.T) {
	inner := NewExecution("execute inverse sql", errors.New("syntax error"))
	wrapped := fmt.Errorf("compensate: %w", inner)
	err := NewRollback(wrapped)

	assert.True(t, IsExecution(err))

	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, CodeRollback, appErr.Code)
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NewNotFound("data source", "orders")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
}
