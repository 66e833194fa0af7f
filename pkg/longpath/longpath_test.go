package longpath

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/imagevault/pkg/model"
)

func TestSafePathIdempotentForShortPaths(t *testing.T) {
	a := New(250)
	p := "/collections/vacation/photo.jpg"
	got, err := a.SafePath(p)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got2, err := a.SafePath(got)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestSafePathTruncatesLongBasename(t *testing.T) {
	a := New(250)
	longName := strings.Repeat("a", 400) + ".jpg"
	p := "/collections/vacation/" + longName
	got, err := a.SafePath(p)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), 250)
	assert.True(t, strings.HasSuffix(got, ".jpg"))

	// Idempotence: SafePath(SafePath(p)) == SafePath(p).
	got2, err := a.SafePath(got)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestSafePathDistinctForDivergentLongNames(t *testing.T) {
	a := New(250)
	base := strings.Repeat("x", 300)
	p1 := "/collections/c/" + base + "-one.jpg"
	p2 := "/collections/c/" + base + "-two.jpg"

	got1, err := a.SafePath(p1)
	require.NoError(t, err)
	got2, err := a.SafePath(p2)
	require.NoError(t, err)
	assert.NotEqual(t, got1, got2)
}

func TestSafePathFailsWhenDirAloneTooLong(t *testing.T) {
	a := New(50)
	p := "/" + strings.Repeat("d", 100) + "/file.jpg"
	_, err := a.SafePath(p)
	require.Error(t, err)
	assert.True(t, model.Is(err, model.KindPathTooLong))
}
