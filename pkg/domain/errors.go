package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Stable machine-readable kinds.
const (
	KindNotFound           = "NOT_FOUND"
	KindPasswordRequired   = "PASSWORD_REQUIRED"
	KindAccessDenied       = "ACCESS_DENIED"
	KindNotEditable        = "NOT_EDITABLE"
	KindValidationFailed   = "VALIDATION_FAILED"
	KindConflict           = "CONFLICT"
	KindStorageUnavailable = "STORAGE_UNAVAILABLE"
	KindInvariantViolation = "INVARIANT_VIOLATION"
	KindRateLimited        = "RATE_LIMITED"
	KindInternal           = "INTERNAL_ERROR"
)

var (
	ErrPasteNotFound       = NewErr(KindNotFound, "paste not found", http.StatusNotFound)
	ErrFileNotFound        = NewErr(KindNotFound, "file not found", http.StatusNotFound)
	ErrPasswordRequired    = NewErr(KindPasswordRequired, "password required", http.StatusUnauthorized)
	ErrInvalidPassword     = NewErr(KindAccessDenied, "invalid password", http.StatusForbidden)
	ErrNotEditable         = NewErr(KindNotEditable, "paste is not editable", http.StatusForbidden)
	ErrContentRequired     = NewErr(KindValidationFailed, "content must not be empty", http.StatusBadRequest)
	ErrNoBlocks            = NewErr(KindValidationFailed, "at least one non-empty block is required", http.StatusBadRequest)
	ErrTooManyBlocks       = NewErr(KindValidationFailed, "too many blocks", http.StatusBadRequest)
	ErrLanguageTooLong     = NewErr(KindValidationFailed, "block language tag is too long", http.StatusBadRequest)
	ErrInvalidAlias        = NewErr(KindValidationFailed, "alias must be 3-50 characters of letters, digits, '_' or '-'", http.StatusBadRequest)
	ErrInvalidExpiry       = NewErr(KindValidationFailed, "invalid expiry", http.StatusBadRequest)
	ErrPasteTooLarge       = NewErr(KindValidationFailed, "paste too large", http.StatusRequestEntityTooLarge)
	ErrFileTooLarge        = NewErr(KindValidationFailed, "file too large", http.StatusRequestEntityTooLarge)
	ErrTooManyFiles        = NewErr(KindValidationFailed, "too many files", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr(KindValidationFailed, "invalid request", http.StatusBadRequest)
	ErrNothingToUpdate     = NewErr(KindValidationFailed, "nothing to update", http.StatusBadRequest)
	ErrAliasTaken          = NewErr(KindConflict, "alias already taken", http.StatusConflict)
	ErrStorageUnavailable  = NewErr(KindStorageUnavailable, "storage unavailable", http.StatusServiceUnavailable)
	ErrStorageBusy         = NewRetryableErr(KindStorageUnavailable, "storage busy, retry later", http.StatusServiceUnavailable)
	ErrUpdateFailed        = NewErr(KindStorageUnavailable, "update failed", http.StatusServiceUnavailable)
	ErrBlocksUnsupported   = NewErr(KindStorageUnavailable, "block content is not supported by the current storage schema", http.StatusServiceUnavailable)
	ErrAliasUnsupported    = NewErr(KindStorageUnavailable, "aliases are not supported by the current storage schema", http.StatusServiceUnavailable)
	ErrPasswordUnsupported = NewErr(KindStorageUnavailable, "password protection is not supported by the current storage schema", http.StatusServiceUnavailable)
	ErrFilesUnsupported    = NewErr(KindStorageUnavailable, "file attachments are not supported by the current storage schema", http.StatusServiceUnavailable)
	ErrInvariant           = NewErr(KindInvariantViolation, "internal error", http.StatusInternalServerError)
	ErrRateLimitExceeded   = NewErr(KindRateLimited, "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer      = NewErr(KindInternal, "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code      string `json:"code"`
	Msg       string `json:"message"`
	Status    int    `json:"-"`
	Retryable bool   `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}
func NewRetryableErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status, Retryable: true}
}

// PasswordRequiredError carries the locked view of a protected paste.
type PasswordRequiredError struct {
	Locked Locked
}

func (e *PasswordRequiredError) Error() string { return ErrPasswordRequired.Msg }
func (e *PasswordRequiredError) Cause() error  { return ErrPasswordRequired }
func (e *PasswordRequiredError) Unwrap() error { return ErrPasswordRequired }

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// AsErr returns the coded error at the root of err, if any.
func AsErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	e, ok := AsErr(err)
	if !ok {
		return ErrResp{Error: ErrDetail{Code: KindInternal, Msg: "internal error"}}
	}
	resp := ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	var locked *PasswordRequiredError
	if errors.As(err, &locked) {
		resp.Error.Meta = map[string]interface{}{"paste": locked.Locked}
	}
	return resp
}
func Status(err error) int {
	if e, ok := AsErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
func IsRetryable(err error) bool {
	e, ok := AsErr(err)
	return ok && e.Retryable
}
