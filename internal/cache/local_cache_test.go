package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	c := NewLocalCache(2, time.Minute)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	t.Run("读写与删除", func(t *testing.T) {
		c.Set("a", 1, 0)
		v, ok := c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)

		c.Delete("a")
		_, ok = c.Get("a")
		assert.False(t, ok)
	})

	t.Run("过期条目不可读", func(t *testing.T) {
		c.Set("short", "x", time.Second)
		now = now.Add(2 * time.Second)
		_, ok := c.Get("short")
		assert.False(t, ok)
	})

	t.Run("超过容量淘汰最早过期的条目", func(t *testing.T) {
		c.Clear()
		c.Set("first", 1, time.Second)
		c.Set("second", 2, time.Hour)
		c.Set("third", 3, time.Hour)

		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("first")
		assert.False(t, ok)
		_, ok = c.Get("third")
		assert.True(t, ok)
	})

	t.Run("清理过期条目", func(t *testing.T) {
		c.Clear()
		c.Set("k", 1, time.Second)
		now = now.Add(time.Minute)
		c.purgeExpired()
		assert.Equal(t, 0, c.Len())
	})
}
