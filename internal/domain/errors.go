package domain

import "errors"

// ErrorKind classifies a driver or proxy failure. The coordinator is the
// only component that turns kinds into user-visible state.
type ErrorKind string

const (
	KindDiscoveryTimeout     ErrorKind = "DISCOVERY_TIMEOUT"
	KindDeviceUnreachable    ErrorKind = "DEVICE_UNREACHABLE"
	KindDeviceRejectedFormat ErrorKind = "DEVICE_REJECTED_FORMAT"
	KindProxyBind            ErrorKind = "PROXY_BIND_ERROR"
	KindProxyTranscode       ErrorKind = "PROXY_TRANSCODE_FAILURE"
	KindConnectionLost       ErrorKind = "CONNECTION_LOST"
	KindAddressUnresolvable  ErrorKind = "NETWORK_ADDRESS_UNRESOLVABLE"
	KindUnsupported          ErrorKind = "UNSUPPORTED"
	KindInternal             ErrorKind = "INTERNAL_ERROR"
)

// ControlError carries a classified failure across component boundaries.
type ControlError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ControlError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

func NewControlError(kind ErrorKind, message string) *ControlError {
	return &ControlError{Kind: kind, Message: message}
}

func (e *ControlError) WithDetail(key string, value any) *ControlError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AsControlError returns the classified form of err, wrapping unclassified
// errors as KindInternal so every failure reaching the coordinator has a kind.
func AsControlError(err error) *ControlError {
	if err == nil {
		return nil
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce
	}
	return &ControlError{Kind: KindInternal, Message: err.Error()}
}
