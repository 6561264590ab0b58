// Package msgcache is a bounded cache of positive answers keyed by question.
// Authoritative data has no TTL-driven expiry concern; entries stay valid
// until the zone database is republished, at which point the reloader purges
// the cache wholesale.
package msgcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// Answer is one cached response payload.
type Answer struct {
	Records []domain.ResourceRecord
	RCode   domain.RCode
}

// Cache wraps an LRU of question key to answer.
type Cache struct {
	lru *lru.Cache[string, Answer]
}

// New creates a cache holding up to size answers.
func New(size int) (*Cache, error) {
	c, err := lru.New[string, Answer](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

// Get returns the cached answer for the question, if any.
func (c *Cache) Get(q domain.Question) (Answer, bool) {
	return c.lru.Get(q.Key())
}

// Put stores an answer for the question.
func (c *Cache) Put(q domain.Question, a Answer) {
	c.lru.Add(q.Key(), a)
}

// Purge drops every entry. Called after each database publish.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached answers.
func (c *Cache) Len() int {
	return c.lru.Len()
}
