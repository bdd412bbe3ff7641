// Package framecache 是解码器前面的有界帧缓存（严格 LRU）。
package framecache

import (
	"container/list"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/facesmudge/internal/infra/imgx"
	"github.com/John-Robertt/facesmudge/internal/media"
)

// DefaultCapacity 是未配置时的缓存帧数。
const DefaultCapacity = 100

// Entry 是缓存中一帧的只读快照（不含像素）。
type Entry struct {
	Frame        int
	Modified     bool
	LastAccessed time.Time
}

// Stats 是命中率统计。
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Failures  int
}

type entry struct {
	frame        int
	img          *image.RGBA
	modified     bool
	lastAccessed time.Time
}

// Cache 把 Decoder 包在 LRU 之后。
//
// 约束：
// - 每个帧号最多一个条目；Len() 永不超过容量
// - 淘汰顺序只看当前在缓存里的条目（链表即记录，不存在过期的访问时间表）
// - 每次插入最多淘汰一个条目
// - 解码失败不写入缓存
// - Get 返回副本：调用方在副本上合成模糊，缓存原帧不受影响
// - 对 Decoder 的调用全部在 mu 内，解码器不会被并发使用
// - Close 之后 Get 一律未命中，解码器不再被调用
type Cache struct {
	mu       sync.Mutex
	dec      media.Decoder
	closed   bool
	capacity int
	ll       *list.List // front = 最近访问
	items    map[int]*list.Element
	stats    Stats

	now func() time.Time
}

// New 创建缓存；capacity<=0 时使用 DefaultCapacity。
func New(dec media.Decoder, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		dec:      dec,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[int]*list.Element, capacity+1),
		now:      time.Now,
	}
}

func (c *Cache) Capacity() int { return c.capacity }

// Get 返回 frame 的一份副本；未命中时解码并插入。解码失败返回 ok=false。
func (c *Cache) Get(frame int) (*image.RGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	if el, ok := c.items[frame]; ok {
		e := el.Value.(*entry)
		e.lastAccessed = c.now()
		c.ll.MoveToFront(el)
		c.stats.Hits++
		return imgx.Clone(e.img), true
	}

	c.stats.Misses++
	img, ok := c.dec.Frame(frame)
	if !ok || img == nil {
		c.stats.Failures++
		logrus.WithFields(logrus.Fields{
			"function": "Cache.Get",
			"frame":    frame,
		}).Debug("Frame unavailable, not cached")
		return nil, false
	}

	el := c.ll.PushFront(&entry{frame: frame, img: img, lastAccessed: c.now()})
	c.items[frame] = el
	if c.ll.Len() > c.capacity {
		c.evictOne()
	}
	return imgx.Clone(img), true
}

// evictOne 移除最久未访问的条目。
func (c *Cache) evictOne() {
	el := c.ll.Back()
	if el == nil {
		// 链表与 map 不一致时的退化路径：任意移除一个仍在 map 里的条目。
		for k := range c.items {
			logrus.WithFields(logrus.Fields{
				"function": "Cache.evictOne",
				"frame":    k,
			}).Warn("LRU list empty while cache is full, evicting arbitrary entry")
			delete(c.items, k)
			c.stats.Evictions++
			return
		}
		return
	}
	e := c.ll.Remove(el).(*entry)
	delete(c.items, e.frame)
	c.stats.Evictions++
	logrus.WithFields(logrus.Fields{
		"function": "Cache.evictOne",
		"frame":    e.frame,
	}).Debug("Evicted frame")
}

// Invalidate 丢弃 frame 的条目（不存在时什么都不做）。
func (c *Cache) Invalidate(frame int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[frame]; ok {
		c.ll.Remove(el)
		delete(c.items, frame)
	}
}

// MarkModified 标记 frame 已有操作合成到其显示副本上。
func (c *Cache) MarkModified(frame int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[frame]; ok {
		el.Value.(*entry).modified = true
	}
}

// Clear 清空所有条目（统计保留）。
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[int]*list.Element, c.capacity+1)
}

// Close 清空缓存并关闭解码器。它与 Get 互斥：进行中的解码先完成，之后的 Get 都失败。
// 可重复调用，只有第一次会关闭解码器。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ll.Init()
	c.items = make(map[int]*list.Element)
	return c.dec.Close()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Lookup 返回 frame 条目的快照，不更新访问顺序。
func (c *Cache) Lookup(frame int) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[frame]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*entry)
	return Entry{Frame: e.frame, Modified: e.modified, LastAccessed: e.lastAccessed}, true
}

// Frames 按最近访问到最久未访问的顺序返回当前缓存的帧号。
func (c *Cache) Frames() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).frame)
	}
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
