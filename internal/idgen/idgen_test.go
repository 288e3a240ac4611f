package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.True(t, Valid(id))
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("inv_")
	assert.True(t, strings.HasPrefix(id, "inv_"))
	assert.Len(t, id, len("inv_")+24)
	assert.NotContains(t, id[4:], "-")
}

func TestTime_Ordered(t *testing.T) {
	a := Time()
	b := Time()
	assert.True(t, Valid(a))
	assert.LessOrEqual(t, a, b)
}

func TestValid(t *testing.T) {
	assert.False(t, Valid("not-a-uuid"))
}
