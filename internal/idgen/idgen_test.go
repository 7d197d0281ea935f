package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixEscrow)
	assert.True(t, strings.HasPrefix(id, "esc_"))
	assert.Len(t, id, len("esc_")+24)
	assert.NotEqual(t, id, WithPrefix(PrefixEscrow))
}

func TestCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := Code(6)
		assert.Len(t, c, 6)
		for _, r := range c {
			assert.True(t, r >= '0' && r <= '9', "non-digit in %q", c)
		}
	}
	assert.Len(t, Code(0), 6)
}
