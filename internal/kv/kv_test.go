package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store  = (*Memory)(nil)
	_ Lister = (*Memory)(nil)
	_ Store  = (*File)(nil)
	_ Lister = (*File)(nil)
	_ Store  = (*Redis)(nil)
	_ Lister = (*Redis)(nil)
	_ Pinger = (*Redis)(nil)
)

type listingStore interface {
	Store
	Lister
}

func exerciseStore(t *testing.T, s listingStore) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "cache:GET|diary.stats|missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cache:GET|diary.stats|a", []byte(`{"v":1}`)))
	require.NoError(t, s.Set(ctx, "cache:GET|diary.list|b", []byte(`{"v":2}`)))
	require.NoError(t, s.Set(ctx, "other:x", []byte(`3`)))

	got, ok, err := s.Get(ctx, "cache:GET|diary.stats|a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(got))

	// Overwrite replaces the whole value.
	require.NoError(t, s.Set(ctx, "cache:GET|diary.stats|a", []byte(`{"v":10}`)))
	got, _, _ = s.Get(ctx, "cache:GET|diary.stats|a")
	assert.Equal(t, `{"v":10}`, string(got))

	keys, err := s.Keys(ctx, "cache:GET|diary.")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cache:GET|diary.stats|a", "cache:GET|diary.list|b"}, keys)

	require.NoError(t, s.Remove(ctx, "cache:GET|diary.stats|a"))
	require.NoError(t, s.Remove(ctx, "cache:GET|diary.stats|a"), "removing a missing key is not an error")
	_, ok, err = s.Get(ctx, "cache:GET|diary.stats|a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(got))
	got[1] = 'y'
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, _, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Set(context.Background(), "k", nil), ErrClosed)
}

func TestFile(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFile_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "cache:GET|user.products|k", []byte(`{"products":[]}`)))

	second, err := NewFile(dir)
	require.NoError(t, err)
	got, ok, err := second.Get(ctx, "cache:GET|user.products|k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"products":[]}`, string(got))
}

func TestFile_RequiresDir(t *testing.T) {
	_, err := NewFile("")
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `cache:GET|a\*b\?c\[d\]`, escapeGlob("cache:GET|a*b?c[d]"))
}
