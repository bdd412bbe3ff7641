package framecache

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/facesmudge/internal/media"
)

func newDecoder(t *testing.T, n int, broken ...int) *media.MemoryDecoder {
	t.Helper()
	frames := make([]*image.RGBA, n)
	for i := range frames {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		img.Set(0, 0, color.RGBA{uint8(i), 0, 0, 255})
		frames[i] = img
	}
	for _, b := range broken {
		frames[b] = nil
	}
	d, err := media.NewMemoryDecoder("mem", frames, 30)
	require.NoError(t, err)
	return d
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	dec := newDecoder(t, 10)
	c := New(dec, 3)

	for i := 0; i < 3; i++ {
		_, ok := c.Get(i)
		require.True(t, ok)
	}
	_, ok := c.Get(3)
	require.True(t, ok)

	assert.Equal(t, 3, c.Len())
	_, present := c.Lookup(0)
	assert.False(t, present, "最久未访问的帧 0 应被淘汰")
	assert.ElementsMatch(t, []int{1, 2, 3}, c.Frames())
	assert.Equal(t, 1, c.Stats().Evictions, "一次插入只淘汰一个")
}

func TestCache_AccessProtectsFromEviction(t *testing.T) {
	dec := newDecoder(t, 10)
	c := New(dec, 3)
	for i := 0; i < 3; i++ {
		c.Get(i)
	}
	c.Get(0) // 0 变成最近访问
	c.Get(3)

	_, present := c.Lookup(0)
	assert.True(t, present)
	_, present = c.Lookup(1)
	assert.False(t, present, "应淘汰 1 而不是 0")
	assert.Equal(t, []int{3, 0, 2}, c.Frames())
}

func TestCache_HitDoesNotDecode(t *testing.T) {
	dec := newDecoder(t, 5)
	c := New(dec, 5)
	c.Get(2)
	c.Get(2)
	c.Get(2)
	assert.Equal(t, 1, dec.Decodes())
	st := c.Stats()
	assert.Equal(t, 2, st.Hits)
	assert.Equal(t, 1, st.Misses)
}

func TestCache_ReturnsCopy(t *testing.T) {
	c := New(newDecoder(t, 2), 2)
	a, ok := c.Get(1)
	require.True(t, ok)
	a.Pix[0] = 255
	b, _ := c.Get(1)
	assert.Equal(t, uint8(1), b.Pix[0], "修改副本不能影响缓存")
}

func TestCache_FailedDecodeNotCached(t *testing.T) {
	dec := newDecoder(t, 4, 2)
	c := New(dec, 4)
	_, ok := c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(99)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 2, c.Stats().Failures)
}

func TestCache_InvalidateAndModified(t *testing.T) {
	dec := newDecoder(t, 4)
	c := New(dec, 4)
	c.Get(1)
	c.MarkModified(1)
	e, ok := c.Lookup(1)
	require.True(t, ok)
	assert.True(t, e.Modified)

	c.Invalidate(1)
	_, ok = c.Lookup(1)
	assert.False(t, ok)
	c.Invalidate(1) // 幂等

	c.Get(1)
	assert.Equal(t, 2, dec.Decodes(), "失效后重新解码")
	e, _ = c.Lookup(1)
	assert.False(t, e.Modified)

	// 失效之后继续插入，淘汰仍然只看当前条目
	c2 := New(newDecoder(t, 10), 2)
	c2.Get(0)
	c2.Get(1)
	c2.Invalidate(0)
	c2.Get(2)
	c2.Get(3)
	assert.Equal(t, []int{3, 2}, c2.Frames())
}

func TestCache_Clear(t *testing.T) {
	c := New(newDecoder(t, 4), 4)
	c.Get(0)
	c.Get(1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Frames())
}

func TestCache_CloseStopsDecoding(t *testing.T) {
	dec := newDecoder(t, 4)
	c := New(dec, 4)
	c.Get(0)
	require.NoError(t, c.Close())
	assert.True(t, dec.Closed())
	assert.Equal(t, 0, c.Len())

	_, ok := c.Get(0)
	assert.False(t, ok, "关闭后命中也不返回")
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 1, dec.Decodes(), "关闭后不再调用解码器")
	require.NoError(t, c.Close(), "可重复调用")
}

func TestCache_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(newDecoder(t, 1), 0).Capacity())
}
