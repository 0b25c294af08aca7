package signature

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const cacheCapacity = 50_000

// Cache is the in-memory LRU index over stored entries, addressable by
// record key and by tool call id.
type Cache struct {
	byKey        *lru.Cache[string, EntryIndex]
	byToolCallID *lru.Cache[string, EntryIndex]
}

func NewCache() *Cache {
	byKey, _ := lru.New[string, EntryIndex](cacheCapacity)
	byToolCallID, _ := lru.New[string, EntryIndex](cacheCapacity)
	return &Cache{byKey: byKey, byToolCallID: byToolCallID}
}

// Put indexes idx under both its record key and its tool call id.
func (c *Cache) Put(idx EntryIndex) {
	key := idx.Key()
	if key == "" || idx.ToolCallID == "" {
		return
	}
	c.byKey.Add(key, idx)
	c.byToolCallID.Add(idx.ToolCallID, idx)
}

// Get looks up by request and tool call id, refreshing last access.
func (c *Cache) Get(requestID, toolCallID string) (EntryIndex, bool) {
	if requestID == "" || toolCallID == "" {
		return EntryIndex{}, false
	}
	idx, ok := c.byKey.Get(requestID + ":" + toolCallID)
	if !ok {
		return EntryIndex{}, false
	}
	now := time.Now().UTC()
	idx.LastAccess = &now
	c.Put(idx)
	return idx, true
}

// GetByToolCallID looks up by tool call id alone, refreshing last access.
func (c *Cache) GetByToolCallID(toolCallID string) (EntryIndex, bool) {
	if toolCallID == "" {
		return EntryIndex{}, false
	}
	idx, ok := c.byToolCallID.Get(toolCallID)
	if !ok {
		return EntryIndex{}, false
	}
	now := time.Now().UTC()
	idx.LastAccess = &now
	c.Put(idx)
	return idx, true
}

// GetByToolCallIDAndSignaturePrefix returns the tool call's entry only when
// its recorded signature starts with sigPrefix. An index loaded without a
// prefix (from an old shard) matches unconditionally.
func (c *Cache) GetByToolCallIDAndSignaturePrefix(toolCallID, sigPrefix string) (EntryIndex, bool) {
	toolCallID = strings.TrimSpace(toolCallID)
	sigPrefix = strings.TrimSpace(sigPrefix)
	if toolCallID == "" || sigPrefix == "" {
		return EntryIndex{}, false
	}
	idx, ok := c.GetByToolCallID(toolCallID)
	if !ok {
		return EntryIndex{}, false
	}
	if idx.SignaturePrefix != "" && !strings.HasPrefix(idx.SignaturePrefix, sigPrefix) {
		return EntryIndex{}, false
	}
	return idx, true
}
