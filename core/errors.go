package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the closed set of failure kinds surfaced by the token cache
// and the silent acquisition flow.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "configuration"
	KindInteractionRequired ErrorKind = "interaction_required"
	KindServer              ErrorKind = "server"
	KindNetwork             ErrorKind = "network"
	KindThrottled           ErrorKind = "throttled"
	KindCacheStorage        ErrorKind = "cache_storage"
	KindQuotaExceeded       ErrorKind = "quota_exceeded"
	KindClient              ErrorKind = "client"
	KindUserCancelled       ErrorKind = "user_cancelled"
	KindTimeout             ErrorKind = "timeout"
	KindUntrustedAuthority  ErrorKind = "untrusted_authority"
)

const (
	AuthErrorConfiguration       = "AUTH_CONFIGURATION"
	AuthErrorInteractionRequired = "AUTH_INTERACTION_REQUIRED"
	AuthErrorServer              = "AUTH_SERVER"
	AuthErrorNetwork             = "AUTH_NETWORK"
	AuthErrorThrottled           = "AUTH_THROTTLED"
	AuthErrorCacheStorage        = "AUTH_CACHE_STORAGE"
	AuthErrorQuotaExceeded       = "AUTH_QUOTA_EXCEEDED"
	AuthErrorClient              = "AUTH_CLIENT"
	AuthErrorUserCancelled       = "AUTH_USER_CANCELLED"
	AuthErrorTimeout             = "AUTH_TIMEOUT"
	AuthErrorUntrustedAuthority  = "AUTH_UNTRUSTED_AUTHORITY"
)

// Error codes carried in the error_code metadata field.
const (
	CodeEmptyScopes               = "empty_input_scopes_error"
	CodeInvalidClaims             = "invalid_claims"
	CodeMissingPKCE               = "pkce_not_created"
	CodeInvalidCacheRecord        = "invalid_cache_record"
	CodeInvalidConfiguration      = "invalid_configuration"
	CodeNoAccount                 = "no_account_in_silent_request"
	CodeNoTokensFound             = "no_tokens_found"
	CodeRefreshTokenExpired       = "refresh_token_expired"
	CodeTokenRefreshRequired      = "token_refresh_required"
	CodeInvalidGrant              = "invalid_grant"
	CodeInteractionRequired       = "interaction_required"
	CodeConsentRequired           = "consent_required"
	CodeLoginRequired             = "login_required"
	CodeBadToken                  = "bad_token"
	CodeClientMismatch            = "client_mismatch"
	CodeStateMismatch             = "state_mismatch"
	CodeNonceMismatch             = "nonce_mismatch"
	CodeInvalidTokenResponse      = "invalid_token_response"
	CodeNetworkError              = "network_error"
	CodeThrottled                 = "request_throttled"
	CodeEndpointResolution        = "endpoints_resolution_error"
	CodeUntrustedAuthority        = "untrusted_authority"
	CodeCacheError                = "cache_error"
	CodeQuotaExceeded             = "cache_quota_exceeded"
	CodeUserCancelled             = "user_cancelled"
	CodeTimedOut                  = "timed_out"
	CodeFallbackNotConfigured     = "interactive_fallback_not_configured"
	CodePoPNotConfigured          = "pop_key_manager_not_configured"
	CodeUnexpectedInteractiveFlow = "unexpected_interactive_response"
)

// ErrQuotaExceeded is wrapped by storage backends when a write is rejected
// because the backing store is full.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

var interactionRequiredCodes = []string{
	CodeInteractionRequired,
	CodeConsentRequired,
	CodeLoginRequired,
	CodeBadToken,
	CodeInvalidGrant,
	CodeNoTokensFound,
	CodeRefreshTokenExpired,
}

var interactionRequiredSubErrors = []string{
	"message_only",
	"additional_action",
	"basic_action",
	"user_password_expired",
	"consent_required",
	CodeBadToken,
}

func (k ErrorKind) TextCode() string {
	switch k {
	case KindConfiguration:
		return AuthErrorConfiguration
	case KindInteractionRequired:
		return AuthErrorInteractionRequired
	case KindServer:
		return AuthErrorServer
	case KindNetwork:
		return AuthErrorNetwork
	case KindThrottled:
		return AuthErrorThrottled
	case KindCacheStorage:
		return AuthErrorCacheStorage
	case KindQuotaExceeded:
		return AuthErrorQuotaExceeded
	case KindUserCancelled:
		return AuthErrorUserCancelled
	case KindTimeout:
		return AuthErrorTimeout
	case KindUntrustedAuthority:
		return AuthErrorUntrustedAuthority
	default:
		return AuthErrorClient
	}
}

func (k ErrorKind) Category() goerrors.Category {
	switch k {
	case KindConfiguration:
		return goerrors.CategoryBadInput
	case KindInteractionRequired:
		return goerrors.CategoryAuth
	case KindServer, KindNetwork:
		return goerrors.CategoryExternal
	case KindThrottled:
		return goerrors.CategoryRateLimit
	case KindCacheStorage, KindQuotaExceeded:
		return goerrors.CategoryOperation
	case KindUserCancelled, KindTimeout:
		return goerrors.CategoryOperation
	case KindUntrustedAuthority:
		return goerrors.CategoryAuthz
	default:
		return goerrors.CategoryInternal
	}
}

func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindConfiguration:
		return http.StatusBadRequest
	case KindInteractionRequired:
		return http.StatusUnauthorized
	case KindServer, KindNetwork:
		return http.StatusBadGateway
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindQuotaExceeded:
		return http.StatusInsufficientStorage
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUntrustedAuthority:
		return http.StatusForbidden
	case KindUserCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds a tagged error for kind with the given error code.
func NewError(kind ErrorKind, code string, message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(strings.TrimSpace(message), kind.Category()).
		WithTextCode(kind.TextCode()).
		WithCode(kind.HTTPStatus())
	return err.WithMetadata(errorMetadata(kind, code, metadata))
}

// WrapError tags source with kind and code, preserving it as the cause.
func WrapError(source error, kind ErrorKind, code string, message string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return NewError(kind, code, message, metadata)
	}
	err := goerrors.Wrap(source, kind.Category(), strings.TrimSpace(message)).
		WithTextCode(kind.TextCode()).
		WithCode(kind.HTTPStatus())
	return err.WithMetadata(errorMetadata(kind, code, metadata))
}

func ConfigurationError(code string, message string) *goerrors.Error {
	return NewError(KindConfiguration, code, message, nil)
}

func ClientError(code string, message string) *goerrors.Error {
	return NewError(KindClient, code, message, nil)
}

// InteractionRequiredError carries the server context needed to drive an
// interactive retry.
func InteractionRequiredError(code string, description string, subError string, metadata map[string]any) *goerrors.Error {
	fields := cloneAnyMap(metadata)
	if subError = strings.TrimSpace(subError); subError != "" {
		fields["sub_error"] = subError
	}
	message := strings.TrimSpace(description)
	if message == "" {
		message = "interaction required: " + code
	}
	return NewError(KindInteractionRequired, code, message, fields)
}

// ServerError classifies a server error response. Responses matching the
// interaction-required rules become KindInteractionRequired.
func ServerError(code string, description string, subError string, metadata map[string]any) *goerrors.Error {
	if IsInteractionRequiredResponse(code, description, subError) {
		return InteractionRequiredError(code, description, subError, metadata)
	}
	fields := cloneAnyMap(metadata)
	if subError = strings.TrimSpace(subError); subError != "" {
		fields["sub_error"] = subError
	}
	message := strings.TrimSpace(description)
	if message == "" {
		message = "server error: " + code
	}
	return NewError(KindServer, code, message, fields)
}

// IsInteractionRequiredResponse applies the interaction-required rules to the
// error fields of a server response.
func IsInteractionRequiredResponse(code string, description string, subError string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	subError = strings.ToLower(strings.TrimSpace(subError))
	for _, candidate := range interactionRequiredCodes {
		if code == candidate {
			return true
		}
	}
	for _, candidate := range interactionRequiredSubErrors {
		if subError == candidate {
			return true
		}
	}
	description = strings.ToLower(description)
	for _, candidate := range interactionRequiredCodes[:4] {
		if strings.Contains(description, candidate) {
			return true
		}
	}
	return false
}

// KindOf reports the tagged kind of err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		if kind, ok := richErr.Metadata["kind"].(ErrorKind); ok {
			return kind
		}
		if kind := kindFromTextCode(richErr.TextCode); kind != "" {
			return kind
		}
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func IsInteractionRequired(err error) bool {
	return IsKind(err, KindInteractionRequired)
}

func ErrorCode(err error) string {
	return metadataString(err, "error_code")
}

func SubError(err error) string {
	return metadataString(err, "sub_error")
}

func Claims(err error) string {
	return metadataString(err, "claims")
}

func CorrelationID(err error) string {
	return metadataString(err, "correlation_id")
}

// MapError normalizes any error into the go-errors envelope used by the
// command and query surfaces.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}
	switch KindOf(err) {
	case KindQuotaExceeded:
		return WrapError(err, KindQuotaExceeded, CodeQuotaExceeded, err.Error(), nil)
	case KindTimeout:
		return WrapError(err, KindTimeout, CodeTimedOut, err.Error(), nil)
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = categoryHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return AuthErrorConfiguration
	case goerrors.CategoryAuth:
		return AuthErrorInteractionRequired
	case goerrors.CategoryRateLimit:
		return AuthErrorThrottled
	case goerrors.CategoryExternal:
		return AuthErrorServer
	case goerrors.CategoryAuthz:
		return AuthErrorUntrustedAuthority
	default:
		return AuthErrorClient
	}
}

func categoryHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func kindFromTextCode(code string) ErrorKind {
	switch strings.TrimSpace(code) {
	case AuthErrorConfiguration:
		return KindConfiguration
	case AuthErrorInteractionRequired:
		return KindInteractionRequired
	case AuthErrorServer:
		return KindServer
	case AuthErrorNetwork:
		return KindNetwork
	case AuthErrorThrottled:
		return KindThrottled
	case AuthErrorCacheStorage:
		return KindCacheStorage
	case AuthErrorQuotaExceeded:
		return KindQuotaExceeded
	case AuthErrorClient:
		return KindClient
	case AuthErrorUserCancelled:
		return KindUserCancelled
	case AuthErrorTimeout:
		return KindTimeout
	case AuthErrorUntrustedAuthority:
		return KindUntrustedAuthority
	default:
		return ""
	}
}

func errorMetadata(kind ErrorKind, code string, metadata map[string]any) map[string]any {
	fields := cloneAnyMap(metadata)
	fields["kind"] = kind
	if code = strings.TrimSpace(code); code != "" {
		fields["error_code"] = code
	}
	return fields
}

func metadataString(err error, key string) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil {
		return ""
	}
	value, ok := richErr.Metadata[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func cloneAnyMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}
