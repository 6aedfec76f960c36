package room

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestContentID(t *testing.T) {
	assert.Equal(t, "w1:b1", ContentID("w1", "b1"))
	assert.Equal(t, "b1", ContentID("", "b1"))
	assert.Equal(t, "w1", ContentID("w1", ""))
}

func TestPresenceRoundTrip(t *testing.T) {
	for _, tc := range []struct{ wave, blip string }{
		{"w1", ""},
		{"w1", "b2"},
		{"wave-with:colon", "b"},
	} {
		w, b, ok := Parse(Presence(tc.wave, tc.blip))
		assert.Equal(t, true, ok)
		assert.Equal(t, tc.wave, w)
		assert.Equal(t, tc.blip, b)
	}
}

func TestParseRejects(t *testing.T) {
	for _, name := range []string{"", "wave:", "doc:abc", "wave::blip:b", "wave:w:blip:"} {
		_, _, ok := Parse(name)
		assert.Equal(t, false, ok)
	}
	assert.Equal(t, true, IsDoc(Doc("abc")))
	assert.Equal(t, false, IsDoc("doc:"))
}
