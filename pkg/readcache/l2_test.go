package readcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// groupcache.NewGroup panics if the same group name is registered twice in
// one process, so this single test function covers every groupcacheL2
// behavior rather than spreading calls to NewGroupcacheL2 across tests.
func TestGroupcacheL2(t *testing.T) {
	l2, handler := NewGroupcacheL2(1<<20, "", nil, func(ctx context.Context, key string) ([]byte, error) {
		return []byte("loaded-" + key), nil
	})
	assert.Nil(t, handler, "single-node deployment (empty selfAddr) has no peer HTTP handler")

	b, ok, err := l2.Get(context.Background(), "fp")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("loaded-fp"), b)

	assert.NoError(t, l2.Set(context.Background(), "fp", []byte("v")))
	assert.NoError(t, l2.Delete(context.Background(), "fp"))
}
