package dispatch

import (
	"net/http"

	"github.com/rustymail/mailgw/internal/mcpwire"
)

// JSONRPCCode maps a GatewayError's Kind to the JSON-RPC error code
// this gateway's MCP front-ends use. Validation failures use the
// standard invalid-params code and unclassified kinds the standard
// internal-error code; scope, not-found, conflict, and rate-limit
// failures use the gateway's own -3200x range.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindValidation:
		return mcpwire.CodeInvalidParams
	case KindScope:
		return mcpwire.CodeScopeInsufficient
	case KindNotFound:
		return mcpwire.CodeNotFound
	case KindConflict:
		return mcpwire.CodeConflict
	case KindRateLimited:
		return mcpwire.CodeRateLimited
	default:
		return mcpwire.CodeInternalError
	}
}

// HTTPStatus maps a GatewayError's Kind to the REST adapter's status
// code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindScope:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
