package oidc

import (
	"github.com/ory/fosite"
	"github.com/tendant/tenant-idm/pkg/response"
	"github.com/tendant/tenant-idm/pkg/validation"
)

// Denial codes of the authorization flows.
const (
	CodeNoAuthorizationRequestInProgress = "NoAuthorizationRequestInProgress"
	CodeLoginRequired                    = "LoginRequired"
	CodeUnsupportedGrantType             = "UnsupportedGrantType"
	CodeInvalidClient                    = "InvalidClient"
	CodeInvalidRequest                   = "InvalidRequest"
	CodeInvalidGrant                     = "InvalidGrant"
	CodeUnauthorizedClient               = "UnauthorizedClient"
	CodeUnsupportedResponseType          = "UnsupportedResponseType"
	CodeInvalidScope                     = "InvalidScope"
	CodeInvalidRedirectURI               = "InvalidRedirectUri"
)

var protocolErrors = map[string]*fosite.RFC6749Error{
	CodeNoAuthorizationRequestInProgress: fosite.ErrInvalidRequest,
	CodeLoginRequired:                    fosite.ErrLoginRequired,
	CodeUnsupportedGrantType:             fosite.ErrUnsupportedGrantType,
	CodeInvalidClient:                    fosite.ErrInvalidClient,
	CodeInvalidRequest:                   fosite.ErrInvalidRequest,
	CodeInvalidGrant:                     fosite.ErrInvalidGrant,
	CodeUnauthorizedClient:               fosite.ErrUnauthorizedClient,
	CodeUnsupportedResponseType:          fosite.ErrUnsupportedResponseType,
	CodeInvalidScope:                     fosite.ErrInvalidScope,
	CodeInvalidRedirectURI:               fosite.ErrInvalidRequest,
	validation.CodeNotAuthenticated:      fosite.ErrAccessDenied,
}

// ProtocolError translates a denial into its OAuth2 error. The denial
// message becomes the hint. Codes without a protocol counterpart map to
// invalid_request.
func ProtocolError(e validation.Error) *fosite.RFC6749Error {
	base, ok := protocolErrors[e.Code]
	if !ok {
		base = fosite.ErrInvalidRequest
	}
	return base.WithHint(e.Message)
}

// ProtocolErrorOf returns the protocol error of a failed result's first
// denial.
func ProtocolErrorOf(errs validation.Errors) *fosite.RFC6749Error {
	if len(errs) == 0 {
		return fosite.ErrServerError
	}
	return ProtocolError(errs[0])
}

func deny[T any](code, message string) response.Result[T] {
	return response.Fail[T](validation.New(code, message, ""))
}
