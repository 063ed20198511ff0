package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/db"
	"github.com/knowhub/research-orchestrator/internal/metrics"
	"github.com/knowhub/research-orchestrator/internal/sequence"
)

const (
	timelineTTL  = 30 * time.Minute
	ownershipTTL = 7 * 24 * time.Hour

	maxEventTitleRunes = 200
)

// Durable is the slice of the database client the store needs. The database
// remains the write path of record; the cache is a latency optimization.
type Durable interface {
	InsertMessage(ctx context.Context, msg *db.ChatMessage) (*db.ChatMessage, error)
	InsertEvent(ctx context.Context, ev *db.WorkflowEvent) (*db.WorkflowEvent, error)
	ListMessages(ctx context.Context, taskID string) ([]db.ChatMessage, error)
	ListEvents(ctx context.Context, taskID string) ([]db.WorkflowEvent, error)
	IsTaskOwner(ctx context.Context, taskID string, userID int64) (bool, error)
}

// Store persists ordered timeline entries durably and mirrors them into a
// Redis sorted set scored by sequence number with a sliding TTL. Cache
// failures never fail a write or a read; the durable store is authoritative.
type Store struct {
	durable Durable
	rdb     redis.UniversalClient
	seq     *sequence.Generator
	logger  *zap.Logger
}

func NewStore(durable Durable, rdb redis.UniversalClient, seq *sequence.Generator, logger *zap.Logger) *Store {
	return &Store{durable: durable, rdb: rdb, seq: seq, logger: logger}
}

func timelineKey(taskID string) string {
	return fmt.Sprintf("research:%s:timeline", taskID)
}

func ownershipKey(userID int64) string {
	return fmt.Sprintf("user:%d:researches", userID)
}

// SaveMessage assigns the next sequence number, persists the message, and
// mirrors it into the cache.
func (s *Store) SaveMessage(ctx context.Context, taskID, role, content string) (Entry, error) {
	seq, err := s.seq.Next(ctx, taskID)
	if err != nil {
		return Entry{}, err
	}
	stored, err := s.durable.InsertMessage(ctx, &db.ChatMessage{
		TaskID:     taskID,
		Role:       role,
		Content:    content,
		SequenceNo: seq,
	})
	if err != nil {
		return Entry{}, err
	}
	entry := messageEntry(stored)
	s.cacheEntries(ctx, taskID, []Entry{entry})
	metrics.TimelineEntriesWritten.WithLabelValues(KindMessage).Inc()
	return entry, nil
}

// SaveEvent assigns the next sequence number, persists the event, and
// mirrors it into the cache. Titles are truncated to a display-safe length.
func (s *Store) SaveEvent(ctx context.Context, taskID, typ, title, content string, parentEventID int64) (Entry, error) {
	seq, err := s.seq.Next(ctx, taskID)
	if err != nil {
		return Entry{}, err
	}
	parent := sql.NullInt64{}
	if parentEventID > 0 {
		parent = sql.NullInt64{Int64: parentEventID, Valid: true}
	}
	stored, err := s.durable.InsertEvent(ctx, &db.WorkflowEvent{
		TaskID:        taskID,
		Type:          typ,
		Title:         truncateTitle(title),
		Content:       content,
		ParentEventID: parent,
		SequenceNo:    seq,
	})
	if err != nil {
		return Entry{}, err
	}
	entry := eventEntry(stored)
	s.cacheEntries(ctx, taskID, []Entry{entry})
	metrics.TimelineEntriesWritten.WithLabelValues(KindEvent).Inc()
	return entry, nil
}

// SaveTempEvent builds an ephemeral event with sequence -1: cached and
// pushed to clients for display, never persisted. Used for queue-position
// hints before a run is admitted.
func (s *Store) SaveTempEvent(ctx context.Context, taskID, typ, title string) Entry {
	entry := eventEntry(&db.WorkflowEvent{
		TaskID:     taskID,
		Type:       typ,
		Title:      truncateTitle(title),
		SequenceNo: -1,
		CreatedAt:  time.Now(),
	})
	s.cacheEntries(ctx, taskID, []Entry{entry})
	return entry
}

// GetTimeline returns all entries with sequence_no > afterSeq, ascending.
// Cache-aside: a non-empty cache range is served directly (TTL refreshed);
// otherwise the durable store is read in full, the cache repopulated with
// the full set, and the response filtered.
func (s *Store) GetTimeline(ctx context.Context, taskID string, afterSeq int64) ([]Entry, error) {
	if cached := s.readCache(ctx, taskID, afterSeq); len(cached) > 0 {
		metrics.TimelineCacheHits.Inc()
		return cached, nil
	}
	metrics.TimelineCacheMisses.Inc()

	all, err := s.loadDurable(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.cacheEntries(ctx, taskID, all)

	if afterSeq <= 0 {
		return all, nil
	}
	filtered := all[:0:0]
	for _, e := range all {
		if e.SequenceNo > afterSeq {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (s *Store) readCache(ctx context.Context, taskID string, afterSeq int64) []Entry {
	key := timelineKey(taskID)
	values, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", afterSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("Timeline cache read failed", zap.String("task_id", taskID), zap.Error(err))
		}
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	s.rdb.Expire(ctx, key, timelineTTL)

	entries := make([]Entry, 0, len(values))
	for _, v := range values {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			s.logger.Warn("Dropping undecodable cached timeline entry",
				zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SequenceNo < entries[j].SequenceNo })

	// The cache is only trustworthy when it holds the contiguous range
	// back to afterSeq. A key that expired and was re-created by a later
	// write (task resume) starts mid-history; serve it and the older
	// entries are hidden. Sequence numbers are dense, so a count check
	// detects any gap in the range.
	if entries[0].SequenceNo > afterSeq+1 ||
		int64(len(entries)) != entries[len(entries)-1].SequenceNo-afterSeq {
		return nil
	}
	return entries
}

func (s *Store) loadDurable(ctx context.Context, taskID string) ([]Entry, error) {
	msgs, err := s.durable.ListMessages(ctx, taskID)
	if err != nil {
		return nil, err
	}
	evs, err := s.durable.ListEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	all := make([]Entry, 0, len(msgs)+len(evs))
	for i := range msgs {
		all = append(all, messageEntry(&msgs[i]))
	}
	for i := range evs {
		all = append(all, eventEntry(&evs[i]))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SequenceNo < all[j].SequenceNo })
	return all, nil
}

// cacheEntries mirrors entries into the sorted set. Best-effort: failures
// are logged and swallowed so the durable write path is never blocked.
func (s *Store) cacheEntries(ctx context.Context, taskID string, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("Timeline entry marshal failed", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		members = append(members, redis.Z{Score: float64(e.SequenceNo), Member: string(data)})
	}
	if len(members) == 0 {
		return
	}
	key := timelineKey(taskID)
	if err := s.rdb.ZAdd(ctx, key, members...).Err(); err != nil {
		s.logger.Debug("Timeline cache write failed", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.rdb.Expire(ctx, key, timelineTTL)
}

// VerifyOwnership answers "does this task belong to this user", memoized in
// a Redis set so steady-state authorization needs no durable lookup.
func (s *Store) VerifyOwnership(ctx context.Context, taskID string, userID int64) bool {
	key := ownershipKey(userID)
	isMember, err := s.rdb.SIsMember(ctx, key, taskID).Result()
	if err == nil && isMember {
		s.rdb.Expire(ctx, key, ownershipTTL)
		return true
	}

	owned, err := s.durable.IsTaskOwner(ctx, taskID, userID)
	if err != nil {
		s.logger.Error("Ownership lookup failed",
			zap.String("task_id", taskID), zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	if owned {
		s.CacheOwnership(ctx, taskID, userID)
	}
	return owned
}

// CacheOwnership records the user→task mapping in the ownership set.
func (s *Store) CacheOwnership(ctx context.Context, taskID string, userID int64) {
	key := ownershipKey(userID)
	if err := s.rdb.SAdd(ctx, key, taskID).Err(); err != nil {
		s.logger.Debug("Ownership cache write failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.rdb.Expire(ctx, key, ownershipTTL)
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxEventTitleRunes {
		return title
	}
	return string(runes[:maxEventTitleRunes]) + "..."
}
