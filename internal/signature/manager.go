package signature

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// recentDays is how many index shards are warmed into the LRU at startup.
const recentDays = 3

// Manager ties the LRU index, the hot map, and the disk shards together.
// All saves are asynchronous; lookups fall back to FallbackSignature when
// the payload behind an index entry is unrecoverable.
type Manager struct {
	cache *Cache
	store *Store
}

// NewManager builds the manager, warms the index from the last three days
// of shards (best effort), and starts the daily retention sweep.
func NewManager(ctx context.Context, dataDir string, retentionDays int) *Manager {
	cache := NewCache()
	store := NewStore(ctx, dataDir, cache)
	if err := store.LoadRecent(recentDays); err != nil {
		log.Warnf("signature: warm index: %v", err)
	}
	go runDailyCleanup(ctx, dataDir, retentionDays)
	return &Manager{cache: cache, store: store}
}

func (m *Manager) Cache() *Cache { return m.cache }
func (m *Manager) Store() *Store { return m.store }

// Save records a tool call's thought signature.
func (m *Manager) Save(requestID, toolCallID, sig, reasoning, model string) {
	m.save(requestID, toolCallID, false, sig, reasoning, model)
}

// SaveImageKey records a signature keyed by an image content fingerprint
// instead of a tool call id.
func (m *Manager) SaveImageKey(requestID, imageKey, sig, reasoning, model string) {
	m.save(requestID, imageKey, true, sig, reasoning, model)
}

func (m *Manager) save(requestID, toolCallID string, isImageKey bool, sig, reasoning, model string) {
	if requestID == "" || toolCallID == "" || sig == "" {
		return
	}
	now := time.Now().UTC()
	e := &Entry{
		Signature:  sig,
		Reasoning:  reasoning,
		RequestID:  requestID,
		ToolCallID: toolCallID,
		IsImageKey: isImageKey,
		Model:      model,
		CreatedAt:  now,
		LastAccess: now,
	}
	m.store.PutHot(e)
	m.cache.Put(EntryIndex{
		RequestID:       requestID,
		ToolCallID:      toolCallID,
		Model:           model,
		SignaturePrefix: prefixOf(sig),
		CreatedAt:       &now,
		LastAccess:      &now,
	})
	m.store.Enqueue(e)
}

// Lookup resolves a signature by request and tool call id.
func (m *Manager) Lookup(requestID, toolCallID string) (*Entry, bool) {
	idx, ok := m.cache.Get(requestID, toolCallID)
	if !ok {
		return nil, false
	}
	return m.resolve(&idx)
}

// LookupByToolCallID resolves a signature by tool call id alone.
func (m *Manager) LookupByToolCallID(toolCallID string) (*Entry, bool) {
	idx, ok := m.cache.GetByToolCallID(toolCallID)
	if !ok {
		return nil, false
	}
	return m.resolve(&idx)
}

// LookupByToolCallIDAndSignaturePrefix resolves a signature by tool call id
// when the recorded signature starts with sigPrefix.
func (m *Manager) LookupByToolCallIDAndSignaturePrefix(toolCallID, sigPrefix string) (*Entry, bool) {
	idx, ok := m.cache.GetByToolCallIDAndSignaturePrefix(toolCallID, sigPrefix)
	if !ok {
		return nil, false
	}
	return m.resolve(&idx)
}

// LookupByImageKey resolves a signature saved via SaveImageKey.
func (m *Manager) LookupByImageKey(imageKey string) (*Entry, bool) {
	if strings.TrimSpace(imageKey) == "" {
		return nil, false
	}
	return m.LookupByToolCallID(imageKey)
}

// resolve turns an index hit into a full entry, never returning an empty
// signature: an index without a payload still yields the fallback.
func (m *Manager) resolve(idx *EntryIndex) (*Entry, bool) {
	if e, ok := m.store.LoadByIndex(idx); ok {
		if e.Signature == "" {
			e.Signature = FallbackSignature
		}
		return e, true
	}
	now := time.Now().UTC()
	e := &Entry{
		Signature:  FallbackSignature,
		RequestID:  idx.RequestID,
		ToolCallID: idx.ToolCallID,
		Model:      idx.Model,
		CreatedAt:  now,
		LastAccess: now,
	}
	if idx.CreatedAt != nil {
		e.CreatedAt = *idx.CreatedAt
	}
	if idx.LastAccess != nil {
		e.LastAccess = *idx.LastAccess
	}
	return e, true
}

func runDailyCleanup(ctx context.Context, dataDir string, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := CleanupShards(dataDir, retentionDays)
			if err != nil {
				log.Warnf("signature: cleanup: %v", err)
				continue
			}
			if deleted > 0 {
				log.Infof("signature: removed %d expired shard file(s)", deleted)
			}
		}
	}
}
