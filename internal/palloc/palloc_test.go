package palloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		pages int
		size  int
	}{
		{`zero pages`, 0, DefaultPageSize},
		{`negative pages`, -1, DefaultPageSize},
		{`small pages`, 4, MinPageSize - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pool, err := New(tc.pages, tc.size)
			assert.Error(t, err)
			assert.Nil(t, pool)
		})
	}
}

func TestPool_AllocZeroed_exhausted(t *testing.T) {
	pool, err := New(3, MinPageSize)
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, MinPageSize, pool.PageSize())
	assert.Equal(t, 3, pool.Available())

	var pages [][]byte
	for range 3 {
		page, err := pool.AllocZeroed()
		require.NoError(t, err)
		require.Len(t, page, MinPageSize)
		pages = append(pages, page)
	}
	assert.Equal(t, 0, pool.Available())

	page, err := pool.AllocZeroed()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Nil(t, page)

	pool.Free(pages[1])
	assert.Equal(t, 1, pool.Available())

	page, err = pool.AllocZeroed()
	require.NoError(t, err)
	assert.Same(t, &pages[1][0], &page[0])
}

func TestPool_Free_poisonsThenZeroes(t *testing.T) {
	pool, err := New(1, MinPageSize)
	require.NoError(t, err)
	defer pool.Close()

	page, err := pool.AllocZeroed()
	require.NoError(t, err)
	for i := range page {
		page[i] = byte(i)
	}

	pool.Free(page)
	for _, b := range page {
		require.Equal(t, byte(poison), b)
	}

	page, err = pool.AllocZeroed()
	require.NoError(t, err)
	for _, b := range page {
		require.Zero(t, b)
	}
}

func TestPool_Free_misuse(t *testing.T) {
	pool, err := New(2, MinPageSize)
	require.NoError(t, err)
	defer pool.Close()

	page, err := pool.AllocZeroed()
	require.NoError(t, err)

	assert.PanicsWithValue(t, `palloc: free of foreign page`, func() {
		pool.Free(make([]byte, MinPageSize))
	})
	assert.PanicsWithValue(t, `palloc: free of foreign page`, func() {
		pool.Free(page[:MinPageSize/2])
	})

	pool.Free(page)
	assert.Panics(t, func() { pool.Free(page) })
}

func TestPool_Close(t *testing.T) {
	pool, err := New(2, MinPageSize)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	page, err := pool.AllocZeroed()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, page)
}
