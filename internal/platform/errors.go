package platform

import (
	"errors"
	"fmt"
)

// Delivery failure classes. Permission failures are never retried;
// not-found triggers one channel re-resolution; transient failures are
// left to the caller's retry policy.
const (
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeTransient        = "transient"
)

// DeliveryError is a classified platform delivery failure.
type DeliveryError struct {
	Code      string
	ChannelID string
	Message   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("platform delivery to channel %s failed (%s): %s", e.ChannelID, e.Code, e.Message)
}

// NewDeliveryError builds a classified delivery error, mapping unknown
// gateway codes to transient.
func NewDeliveryError(code, channelID, message string) *DeliveryError {
	switch code {
	case CodePermissionDenied, CodeNotFound:
	default:
		code = CodeTransient
	}
	return &DeliveryError{Code: code, ChannelID: channelID, Message: message}
}

// ErrorCode extracts the delivery classification from an error chain,
// defaulting to transient for unclassified failures.
func ErrorCode(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeTransient
}

// IsPermissionDenied reports whether err is a permission failure.
func IsPermissionDenied(err error) bool {
	return ErrorCode(err) == CodePermissionDenied
}

// IsNotFound reports whether err is a stale-channel failure.
func IsNotFound(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Code == CodeNotFound
}
