package platform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDeliveryErrorClassification(t *testing.T) {
	assert.Equal(t, CodePermissionDenied, NewDeliveryError("permission_denied", "C1", "no").Code)
	assert.Equal(t, CodeNotFound, NewDeliveryError("not_found", "C1", "gone").Code)
	// Unknown gateway codes degrade to transient.
	assert.Equal(t, CodeTransient, NewDeliveryError("rate_limited", "C1", "slow down").Code)
}

func TestErrorCodeThroughWrapping(t *testing.T) {
	base := NewDeliveryError(CodePermissionDenied, "C1", "missing perms")
	wrapped := fmt.Errorf("send failed: %w", base)

	assert.Equal(t, CodePermissionDenied, ErrorCode(wrapped))
	assert.True(t, IsPermissionDenied(wrapped))
	assert.False(t, IsNotFound(wrapped))
}

func TestErrorCodeDefaultsToTransient(t *testing.T) {
	assert.Equal(t, CodeTransient, ErrorCode(errors.New("connection reset")))
	assert.False(t, IsNotFound(errors.New("connection reset")))
}
