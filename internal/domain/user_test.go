package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("ada@example.com"))
	assert.Equal(t, "***", MaskEmail("@example.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
}

func TestPendingDeletion(t *testing.T) {
	assert.False(t, User{Status: UserStatusActive}.PendingDeletion())
	assert.True(t, User{Status: UserStatusPendingDeletion}.PendingDeletion())
}
