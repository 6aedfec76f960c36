package viz

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParsePath(t *testing.T) {
	assert.Equal(t, []interface{}(nil), ParsePath(""))
	assert.Equal(t, []interface{}{"counter"}, ParsePath("counter"))
	assert.Equal(t, []interface{}{"blips", 2, "text"}, ParsePath("blips.2..text"))
}
