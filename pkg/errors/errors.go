package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// VendorError is a non-200 application envelope returned by the Govee OpenAPI.
type VendorError struct {
	Op      string
	Code    int
	Message string
}

func (e *VendorError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Unknown error"
	}
	return fmt.Sprintf("API error: %s (code: %d)", msg, e.Code)
}

// TransportError is an HTTP-level failure (non-2xx response). Status is the
// HTTP status; VendorCode is the code from the error body, if any.
type TransportError struct {
	Op         string
	Status     int
	VendorCode int
	Message    string
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("API error: %s (code: %d)", msg, e.Status)
}

// AuthError reports missing or rejected credentials for the account login flow.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth error: " + e.Message + ": " + e.Err.Error()
	}
	return "auth error: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConfigError reports missing or invalid configuration, e.g. certificate
// material when certificate mode is requested.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	s := "config error"
	if e.Field != "" {
		s += " (" + e.Field + ")"
	}
	s += ": " + e.Message
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	ErrUnknownDevice = stderrors.New("unknown device")
	ErrUnsupported   = stderrors.New("capability not supported by device")
)

func NewAuthError(message string, err error) *AuthError {
	return &AuthError{Message: message, Err: err}
}

func NewConfigError(field, message string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: err}
}

func IsVendor(err error) bool {
	var ve *VendorError
	return stderrors.As(err, &ve)
}

func IsTransport(err error) bool {
	var te *TransportError
	return stderrors.As(err, &te)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return stderrors.As(err, &ae)
}

func IsConfig(err error) bool {
	var ce *ConfigError
	return stderrors.As(err, &ce)
}

type AppError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Err     error                  `json:"-"`
	Fields  map[string]interface{} `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Fields:  make(map[string]interface{}),
	}
}

// WithField adds a single additional field to be serialized with the error response.
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, nil)
}

func InternalServerError(message string, err error) *AppError {
	return NewAppError(http.StatusInternalServerError, message, err)
}

// FromError maps the adapter's error taxonomy onto an HTTP-facing AppError.
func FromError(err error) *AppError {
	var (
		app *AppError
		ve  *VendorError
		te  *TransportError
		ae  *AuthError
		ce  *ConfigError
	)
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &app):
		return app
	case stderrors.Is(err, ErrUnknownDevice):
		return NotFound(err.Error())
	case stderrors.Is(err, ErrUnsupported):
		return NewAppError(http.StatusUnprocessableEntity, err.Error(), err)
	case stderrors.As(err, &ve):
		return NewAppError(http.StatusBadGateway, ve.Error(), err).WithField("vendor_code", ve.Code)
	case stderrors.As(err, &te):
		return NewAppError(http.StatusBadGateway, te.Error(), err).WithField("upstream_status", te.Status)
	case stderrors.As(err, &ae):
		return NewAppError(http.StatusUnauthorized, ae.Error(), err)
	case stderrors.As(err, &ce):
		return InternalServerError(ce.Error(), err)
	default:
		return InternalServerError(err.Error(), err)
	}
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	payload := map[string]interface{}{
		"error": err.Message,
		"code":  err.Code,
	}
	for k, v := range err.Fields {
		if k == "error" || k == "code" {
			continue
		}
		payload[k] = v
	}
	json.NewEncoder(w).Encode(payload)
}
