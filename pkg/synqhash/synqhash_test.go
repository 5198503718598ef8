package synqhash_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/synqcore/synqcore/pkg/synqhash"
)

func TestMapIsOrderIndependent(t *testing.T) {
	a := synqhash.Map(map[string]any{"title": "hello", "count": 3})
	b := synqhash.Map(map[string]any{"count": 3, "title": "hello"})
	assert.Equal(t, a, b)
}

func TestMapDiffersOnContent(t *testing.T) {
	a := synqhash.Map(map[string]any{"title": "hello"})
	b := synqhash.Map(map[string]any{"title": "goodbye"})
	assert.NotEqual(t, a, b)
}

func TestSetIsOrderSensitive(t *testing.T) {
	a := synqhash.Set([]map[string]any{{"id": "1"}, {"id": "2"}})
	b := synqhash.Set([]map[string]any{{"id": "2"}, {"id": "1"}})
	assert.NotEqual(t, a, b, "Set hashes a sequence, not a set: order matters")
}

func TestEmptyInputsAreDeterministic(t *testing.T) {
	assert.Equal(t, synqhash.Map(map[string]any{}), synqhash.Map(map[string]any{}))
	assert.Equal(t, synqhash.Set(nil), synqhash.Set(nil))
	assert.NotEqual(t, synqhash.Map(nil), synqhash.Map(map[string]any{}), "nil and empty maps marshal to distinct JSON")
}
