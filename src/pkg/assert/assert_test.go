package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	require.NotPanics(t, func() { Assert(true, "never") })
	require.PanicsWithValue(t, "assertion failed: page 3 pinned", func() {
		Assert(false, "page %d pinned", 3)
	})
	require.PanicsWithValue(t, "assertion failed", func() { Assert(false) })
}
