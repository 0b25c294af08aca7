package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	queueCapacity = 1024
	batchSize     = 256
	flushInterval = time.Second

	shardDateLayout = "2006-01-02"
)

type indexRecord struct {
	K string `json:"k"`
	O int64  `json:"o"`
	L uint32 `json:"l"`
}

type recordSpan struct {
	offset int64
	length uint32
}

type writerState struct {
	date   string
	data   *os.File
	idx    *os.File
	offset int64
}

// Store is the write-behind disk layer. Saves land in the hot map and a
// bounded queue; a worker appends them to the current day's JSONL shard and
// its offset index, then evicts the hot copy.
type Store struct {
	dir   string
	cache *Cache

	hotMu         sync.RWMutex
	hotByKey      map[string]*Entry
	hotByToolCall map[string]string

	queue chan *Entry

	writerMu sync.Mutex
	writer   writerState

	readersMu sync.Mutex
	readers   map[string]map[string]recordSpan
}

// NewStore creates the store under <dataDir>/signatures and starts the
// flush worker, which runs until ctx is cancelled.
func NewStore(ctx context.Context, dataDir string, cache *Cache) *Store {
	s := &Store{
		dir:           filepath.Join(dataDir, "signatures"),
		cache:         cache,
		hotByKey:      make(map[string]*Entry),
		hotByToolCall: make(map[string]string),
		queue:         make(chan *Entry, queueCapacity),
		readers:       make(map[string]map[string]recordSpan),
	}
	go s.runWorker(ctx)
	return s
}

// Enqueue hands an entry to the flush worker. Blocks when the queue is
// full: backpressure instead of drops.
func (s *Store) Enqueue(e *Entry) {
	s.queue <- e
}

// PutHot makes the entry visible to lookups before it reaches disk.
func (s *Store) PutHot(e *Entry) {
	key := e.Key()
	if key == "" || e.Signature == "" {
		return
	}
	s.hotMu.Lock()
	s.hotByToolCall[e.ToolCallID] = key
	s.hotByKey[key] = e
	s.hotMu.Unlock()
}

// LoadRecent warms the LRU index from the newest `days` on-disk index
// shards.
func (s *Store) LoadRecent(days int) error {
	if days < 1 {
		days = 1
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("signature: create signatures dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("signature: read signatures dir: %w", err)
	}
	var idxFiles []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".idx") {
			continue
		}
		idxFiles = append(idxFiles, de.Name())
	}
	// Names are YYYY-MM-DD.idx, so lexical order is date order.
	sort.Strings(idxFiles)
	if len(idxFiles) > days {
		idxFiles = idxFiles[len(idxFiles)-days:]
	}

	for _, name := range idxFiles {
		date := strings.TrimSuffix(name, ".idx")
		content, errRead := os.ReadFile(filepath.Join(s.dir, name))
		if errRead != nil {
			return fmt.Errorf("signature: read index %s: %w", name, errRead)
		}
		for _, line := range strings.Split(string(content), "\n") {
			if line == "" {
				continue
			}
			var rec indexRecord
			if json.Unmarshal([]byte(line), &rec) != nil {
				continue
			}
			requestID, toolCallID, ok := splitRecordID(rec.K)
			if !ok {
				continue
			}
			s.cache.Put(EntryIndex{
				RequestID:  requestID,
				ToolCallID: toolCallID,
				Date:       date,
			})
		}
	}
	return nil
}

// LoadByIndex materialises the full entry an index points to: the hot map
// when the entry has not been flushed yet, the dated shard otherwise. A
// shard hit from a previous day is re-queued under today's shard so active
// signatures never age out.
func (s *Store) LoadByIndex(idx *EntryIndex) (*Entry, bool) {
	key := idx.Key()
	if key == "" {
		return nil, false
	}

	if idx.Date == "" {
		s.hotMu.RLock()
		cur, ok := s.hotByKey[key]
		s.hotMu.RUnlock()
		if !ok {
			return nil, false
		}
		e := *cur
		if idx.LastAccess != nil {
			e.LastAccess = *idx.LastAccess
		}
		return &e, true
	}

	payload, err := s.loadRecord(idx.Date, key)
	if err != nil {
		return nil, false
	}
	var e Entry
	if json.Unmarshal(payload, &e) != nil {
		return nil, false
	}
	if e.Signature == "" || e.RequestID == "" || e.ToolCallID == "" {
		return nil, false
	}
	if idx.LastAccess != nil {
		e.LastAccess = *idx.LastAccess
	}

	if idx.Date != time.Now().UTC().Format(shardDateLayout) {
		migrated := e
		go s.migrateToToday(&migrated)
	}
	return &e, true
}

func (s *Store) migrateToToday(e *Entry) {
	if e.RequestID == "" || e.ToolCallID == "" || e.Signature == "" {
		return
	}
	s.PutHot(e)
	created := e.CreatedAt
	lastAccess := e.LastAccess
	s.cache.Put(EntryIndex{
		RequestID:       e.RequestID,
		ToolCallID:      e.ToolCallID,
		Model:           e.Model,
		SignaturePrefix: prefixOf(e.Signature),
		CreatedAt:       &created,
		LastAccess:      &lastAccess,
	})
	s.Enqueue(e)
}

func (s *Store) loadRecord(date, recordID string) ([]byte, error) {
	span, err := s.indexEntry(date, recordID)
	if err != nil {
		return nil, err
	}
	dataPath := filepath.Join(s.dir, date+".jsonl")
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("signature: open shard %s: %w", dataPath, err)
	}
	defer f.Close()

	buf := make([]byte, span.length)
	if _, errRead := f.ReadAt(buf, span.offset); errRead != nil && errRead != io.EOF {
		return nil, fmt.Errorf("signature: read record %s: %w", recordID, errRead)
	}
	return buf, nil
}

func (s *Store) indexEntry(date, recordID string) (recordSpan, error) {
	s.readersMu.Lock()
	if day, ok := s.readers[date]; ok {
		if span, found := day[recordID]; found {
			s.readersMu.Unlock()
			return span, nil
		}
	}
	s.readersMu.Unlock()

	idxPath := filepath.Join(s.dir, date+".idx")
	content, err := os.ReadFile(idxPath)
	if err != nil {
		return recordSpan{}, fmt.Errorf("signature: read index %s: %w", idxPath, err)
	}
	day := make(map[string]recordSpan)
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		var rec indexRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		day[rec.K] = recordSpan{offset: rec.O, length: rec.L}
	}

	s.readersMu.Lock()
	s.readers[date] = day
	span, found := day[recordID]
	s.readersMu.Unlock()
	if !found {
		return recordSpan{}, fmt.Errorf("signature: record %s not found in %s", recordID, date)
	}
	return span, nil
}

func (s *Store) runWorker(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []*Entry
	flushBlocked := false

	flush := func() {
		if len(batch) == 0 {
			flushBlocked = false
			return
		}
		persisted, err := s.persist(batch)
		if persisted > 0 {
			batch = batch[persisted:]
		}
		if err != nil {
			// Disk trouble: stop draining the queue and retry on the
			// next tick with the same batch.
			flushBlocked = true
			log.Errorf("signature: flush: %v", err)
			return
		}
		flushBlocked = false
	}

	for {
		if flushBlocked {
			select {
			case <-ctx.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
			continue
		}
		select {
		case <-ctx.Done():
			flush()
			return
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// persist appends the batch to today's shard. Returns how many entries made
// it to disk; a mid-batch error leaves the rest for the next flush.
func (s *Store) persist(batch []*Entry) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return 0, fmt.Errorf("signature: create signatures dir: %w", err)
	}

	date := time.Now().UTC().Format(shardDateLayout)

	type postUpdate struct {
		idx       EntryIndex
		recordID  string
		createdAt time.Time
	}
	var updates []postUpdate

	s.writerMu.Lock()
	persisted := 0
	err := func() error {
		if errWriter := s.ensureWriter(date); errWriter != nil {
			return errWriter
		}
		for _, e := range batch {
			recordID := e.Key()
			if recordID == "" {
				persisted++
				continue
			}
			payload, errMarshal := json.Marshal(e)
			if errMarshal != nil {
				return fmt.Errorf("signature: marshal entry %s: %w", recordID, errMarshal)
			}
			offset := s.writer.offset
			if _, errWrite := s.writer.data.Write(append(payload, '\n')); errWrite != nil {
				return fmt.Errorf("signature: write shard: %w", errWrite)
			}
			idxLine, _ := json.Marshal(indexRecord{K: recordID, O: offset, L: uint32(len(payload))})
			if _, errWrite := s.writer.idx.Write(append(idxLine, '\n')); errWrite != nil {
				return fmt.Errorf("signature: write index: %w", errWrite)
			}
			s.writer.offset += int64(len(payload)) + 1

			created := e.CreatedAt
			lastAccess := e.LastAccess
			updates = append(updates, postUpdate{
				idx: EntryIndex{
					RequestID:       e.RequestID,
					ToolCallID:      e.ToolCallID,
					Model:           e.Model,
					SignaturePrefix: prefixOf(e.Signature),
					CreatedAt:       &created,
					LastAccess:      &lastAccess,
					Date:            date,
				},
				recordID:  recordID,
				createdAt: e.CreatedAt,
			})
			persisted++
		}
		return nil
	}()
	s.writerMu.Unlock()

	for _, u := range updates {
		s.cache.Put(u.idx)
		s.evictHot(u.recordID, u.createdAt)
	}
	return persisted, err
}

func (s *Store) ensureWriter(date string) error {
	if s.writer.date == date && s.writer.data != nil && s.writer.idx != nil {
		return nil
	}
	if s.writer.data != nil {
		s.writer.data.Close()
	}
	if s.writer.idx != nil {
		s.writer.idx.Close()
	}
	s.writer = writerState{}

	dataPath := filepath.Join(s.dir, date+".jsonl")
	idxPath := filepath.Join(s.dir, date+".idx")

	data, err := os.OpenFile(dataPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("signature: open shard %s: %w", dataPath, err)
	}
	idx, err := os.OpenFile(idxPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		data.Close()
		return fmt.Errorf("signature: open index %s: %w", idxPath, err)
	}
	info, err := data.Stat()
	if err != nil {
		data.Close()
		idx.Close()
		return fmt.Errorf("signature: stat shard %s: %w", dataPath, err)
	}

	s.writer = writerState{date: date, data: data, idx: idx, offset: info.Size()}
	return nil
}

// evictHot drops the hot copy once it is safely on disk, unless a newer
// entry replaced it in the meantime.
func (s *Store) evictHot(recordID string, createdAt time.Time) {
	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	cur, ok := s.hotByKey[recordID]
	if !ok || !cur.CreatedAt.Equal(createdAt) {
		return
	}
	toolCallID := cur.ToolCallID
	delete(s.hotByKey, recordID)
	if toolCallID == "" {
		return
	}
	if mapped, found := s.hotByToolCall[toolCallID]; found && mapped == recordID {
		delete(s.hotByToolCall, toolCallID)
	}
}

// CleanupShards deletes shard and index files older than the retention
// window. Files are never deleted before they are at least two days old.
func CleanupShards(dataDir string, retentionDays int) (int, error) {
	if retentionDays < 1 {
		retentionDays = 1
	}
	minAgeDays := retentionDays
	if minAgeDays < 2 {
		minAgeDays = 2
	}

	dir := filepath.Join(dataDir, "signatures")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("signature: read signatures dir: %w", err)
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	deleted := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		var dateStr string
		switch {
		case strings.HasSuffix(name, ".idx"):
			dateStr = strings.TrimSuffix(name, ".idx")
		case strings.HasSuffix(name, ".jsonl"):
			dateStr = strings.TrimSuffix(name, ".jsonl")
		default:
			continue
		}
		if len(dateStr) != 10 {
			continue
		}
		fileDate, errParse := time.Parse(shardDateLayout, dateStr)
		if errParse != nil {
			continue
		}
		ageDays := int(today.Sub(fileDate).Hours() / 24)
		if ageDays < minAgeDays {
			continue
		}
		if errRemove := os.Remove(filepath.Join(dir, name)); errRemove != nil {
			if os.IsNotExist(errRemove) {
				continue
			}
			return deleted, fmt.Errorf("signature: remove %s: %w", name, errRemove)
		}
		deleted++
	}
	return deleted, nil
}
