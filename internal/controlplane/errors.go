package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/agentpool/internal/dispatch"
	"github.com/fentz26/agentpool/internal/isolation"
	"github.com/fentz26/agentpool/internal/registry"
	"github.com/fentz26/agentpool/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, dispatch.ErrTaskNotFound),
		errors.Is(err, registry.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, dispatch.ErrInvalidTask),
		errors.Is(err, isolation.ErrMissingConversation):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTaskTerminal),
		errors.Is(err, dispatch.ErrTaskNotInFlight),
		errors.Is(err, dispatch.ErrApprovalNotPending),
		errors.Is(err, isolation.ErrEnvironmentInactive),
		errors.Is(err, store.ErrConversationBound):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
