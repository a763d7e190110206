package main

import (
	"maps"
	"reflect"
	"sync"
)

// Cache keeps the last value per source and broadcasts only real changes.
// It is also the replay source for newly attached websocket listeners.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
	events  *EventDispatcher
}

func newCache(d *EventDispatcher) *Cache {
	c := &Cache{entries: make(map[string]interface{}), events: d}
	if d != nil {
		d.replay = c.dump
	}
	return c
}

// update stores data under name and reports whether it differs from what
// was stored before.
func (c *Cache) update(name string, data interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[name]; ok && reflect.DeepEqual(old, data) {
		return false
	}
	c.entries[name] = data
	if c.events != nil {
		c.events.broadcastEvent(name, data)
	}
	return true
}

func (c *Cache) get(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[name]
}

func (c *Cache) dump() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}
