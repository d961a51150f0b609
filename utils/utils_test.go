package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateDashlessUUID(t *testing.T) {
	id := GenerateDashlessUUID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")

	other := GenerateDashlessUUID()
	assert.NotEqual(t, id, other)
}

func TestGenerateRoomID(t *testing.T) {
	id := GenerateRoomID(6)
	assert.Len(t, id, 6)
	for _, r := range id {
		valid := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		assert.True(t, valid, "room id characters come from the uppercase alphanumeric alphabet, got %q", r)
	}
}
