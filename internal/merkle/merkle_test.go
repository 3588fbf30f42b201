package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func h(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestRootEmptyInput(t *testing.T) {
	assert.Equal(t, "", Root(nil))
	assert.Equal(t, "", Root([]string{}))
}

func TestRootSingleLeafIsTheLeafVerbatim(t *testing.T) {
	assert.Equal(t, "vtxo-1", Root([]string{"vtxo-1"}))
}

func TestRootTwoLeaves(t *testing.T) {
	want := h(h("a") + h("b"))
	assert.Equal(t, want, Root([]string{"a", "b"}))
}

// Three leaves: the odd level duplicates its last hash, so
// level1 = [H(h_a||h_b), H(h_c||h_c)] and root = H(level1[0]||level1[1]).
func TestRootThreeLeavesDuplicatesLast(t *testing.T) {
	left := h(h("a") + h("b"))
	right := h(h("c") + h("c"))
	want := h(left + right)
	assert.Equal(t, want, Root([]string{"a", "b", "c"}))
}

func TestRootDeterministic(t *testing.T) {
	ids := []string{"v1", "v2", "v3", "v4", "v5"}
	first := Root(ids)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Root(ids))
	}
	assert.Len(t, first, 64)
}

func TestRootOrderSensitive(t *testing.T) {
	assert.NotEqual(t, Root([]string{"a", "b"}), Root([]string{"b", "a"}))
}
