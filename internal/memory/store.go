package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is the durable per-(platform, user) fact store. Writes for one user
// are serialized by a keyed mutex and applied inside a transaction, so a
// crash mid-write never leaves a partial state.
type Store struct {
	db       *sql.DB
	synonyms *SynonymTable

	mu       sync.Mutex
	capacity int
	locks    map[string]*sync.Mutex

	now func() time.Time
}

func NewStore(dbPath string, capacity int, synonyms *SynonymTable) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("store capacity must be positive, got %d", capacity)
	}
	if synonyms == nil {
		synonyms = defaultSynonyms()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:       db,
		capacity: capacity,
		synonyms: synonyms,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
	if err := s.configure(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetCapacity adjusts the per-user record bound. Settings reloads call this;
// the new bound takes effect on the next write or sweep.
func (s *Store) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.capacity = n
	s.mu.Unlock()
}

func (s *Store) capacityBound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("configure db: %w", err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_stores (
			platform     TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_updated TEXT NOT NULL,
			PRIMARY KEY (platform, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id             TEXT PRIMARY KEY,
			platform       TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			category       TEXT NOT NULL,
			fields         TEXT NOT NULL,
			importance     TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			source_excerpt TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records(platform, user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) userLock(platform, userID string) *sync.Mutex {
	key := platform + ":" + userID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// ConsiderFact applies the write path for one fact: normalize the key,
// reject meta keys and exact duplicates, consolidate a changed value into
// the existing record, otherwise insert and enforce capacity. It returns the
// id of the record written, or "" when the fact was rejected.
func (s *Store) ConsiderFact(ctx context.Context, platform, userID string, fact Fact) (string, WriteOutcome, error) {
	if platform == "" || userID == "" {
		return "", WriteRejected, ErrEmptyIdentity
	}
	if !validCategories[fact.Category] {
		return "", WriteRejected, fmt.Errorf("%w: %q", ErrInvalidCategory, fact.Category)
	}
	if strings.TrimSpace(fact.Key) == "" || strings.TrimSpace(fact.Value) == "" {
		return "", WriteRejected, ErrEmptyFact
	}
	if IsMeta(fact.Key) {
		return "", WriteRejected, nil
	}
	key := s.synonyms.Canonical(fact.Key)

	lock := s.userLock(platform, userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", WriteRejected, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	records, err := scanRecords(tx.QueryContext(ctx,
		`SELECT id, platform, user_id, category, fields, importance, created_at, updated_at, source_excerpt
		 FROM memory_records WHERE platform = ? AND user_id = ?`, platform, userID))
	if err != nil {
		return "", WriteRejected, fmt.Errorf("load records: %w", err)
	}

	for _, r := range records {
		if r.Category != fact.Category {
			continue
		}
		matched, existing, ok := fieldByKey(r.Fields, s.synonyms, key)
		if !ok {
			continue
		}
		sameValue := strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(fact.Value))
		merged := maxImportance(r.Importance, fact.Importance)
		if sameValue && merged == r.Importance && matched == normalizeKey(fact.Key) {
			// Identical key, value and importance. Idempotent, nothing written.
			return r.ID, WriteRejected, nil
		}
		// Key match: consolidate into the existing record. Alias spellings
		// collapse onto the canonical key; an equal value under a synonym
		// key still advances updated_at and merges importance.
		value := fact.Value
		if sameValue {
			value = existing
		}
		for k := range r.Fields {
			if s.synonyms.Canonical(k) == key {
				delete(r.Fields, k)
			}
		}
		r.Fields[key] = value
		r.Importance = merged
		r.UpdatedAt = now
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return "", WriteRejected, fmt.Errorf("marshal fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_records SET fields = ?, importance = ?, updated_at = ? WHERE id = ?`,
			string(fields), r.Importance, now.Format(time.RFC3339), r.ID); err != nil {
			return "", WriteRejected, fmt.Errorf("consolidate record: %w", err)
		}
		if err := s.touchStore(ctx, tx, platform, userID, now); err != nil {
			return "", WriteRejected, err
		}
		if err := tx.Commit(); err != nil {
			return "", WriteRejected, fmt.Errorf("commit: %w", err)
		}
		return r.ID, WriteConsolidated, nil
	}

	record := Record{
		ID:            uuid.NewString(),
		Platform:      platform,
		UserID:        userID,
		Category:      fact.Category,
		Fields:        map[string]string{key: fact.Value},
		Importance:    fact.Importance,
		CreatedAt:     now,
		UpdatedAt:     now,
		SourceExcerpt: truncateExcerpt(fact.SourceExcerpt),
	}
	if record.Importance == "" {
		record.Importance = "low"
	}
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return "", WriteRejected, fmt.Errorf("marshal fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_records (id, platform, user_id, category, fields, importance, created_at, updated_at, source_excerpt)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Platform, record.UserID, record.Category, string(fields),
		record.Importance, now.Format(time.RFC3339), now.Format(time.RFC3339), record.SourceExcerpt); err != nil {
		return "", WriteRejected, fmt.Errorf("insert record: %w", err)
	}

	if err := s.evictOver(ctx, tx, append(records, record), now); err != nil {
		return "", WriteRejected, err
	}
	if err := s.touchStore(ctx, tx, platform, userID, now); err != nil {
		return "", WriteRejected, err
	}
	if err := tx.Commit(); err != nil {
		return "", WriteRejected, fmt.Errorf("commit: %w", err)
	}
	return record.ID, WriteInserted, nil
}

// evictOver deletes the lowest-scoring records until the user is back at
// capacity. Ties evict the oldest record first.
func (s *Store) evictOver(ctx context.Context, tx *sql.Tx, records []Record, now time.Time) error {
	over := len(records) - s.capacityBound()
	if over <= 0 {
		return nil
	}
	sort.SliceStable(records, func(i, j int) bool {
		si, sj := evictionScore(records[i], now), evictionScore(records[j], now)
		if si != sj {
			return si < sj
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	for _, victim := range records[:over] {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, victim.ID); err != nil {
			return fmt.Errorf("evict record: %w", err)
		}
		log.Debug().Str("record", victim.ID).Str("category", victim.Category).Msg("memory record evicted")
	}
	return nil
}

func (s *Store) touchStore(ctx context.Context, tx *sql.Tx, platform, userID string, now time.Time) error {
	ts := now.Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE memory_stores SET last_updated = ? WHERE platform = ? AND user_id = ?`,
		ts, platform, userID)
	if err != nil {
		return fmt.Errorf("touch store: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_stores (platform, user_id, created_at, last_updated) VALUES (?, ?, ?, ?)`,
			platform, userID, ts, ts); err != nil {
			return fmt.Errorf("create store row: %w", err)
		}
	}
	return nil
}

// Records returns all records for a user, most recently updated first.
func (s *Store) Records(ctx context.Context, platform, userID string) ([]Record, error) {
	if platform == "" || userID == "" {
		return nil, ErrEmptyIdentity
	}
	return scanRecords(s.db.QueryContext(ctx,
		`SELECT id, platform, user_id, category, fields, importance, created_at, updated_at, source_excerpt
		 FROM memory_records WHERE platform = ? AND user_id = ?
		 ORDER BY updated_at DESC, id ASC`, platform, userID))
}

// Info returns the store metadata for a user.
func (s *Store) Info(ctx context.Context, platform, userID string) (*StoreInfo, error) {
	info := &StoreInfo{Platform: platform, UserID: userID}
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, last_updated FROM memory_stores WHERE platform = ? AND user_id = ?`,
		platform, userID).Scan(&created, &updated)
	if err != nil {
		return nil, fmt.Errorf("load store info: %w", err)
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339, created)
	info.LastUpdated, _ = time.Parse(time.RFC3339, updated)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_records WHERE platform = ? AND user_id = ?`,
		platform, userID).Scan(&info.RecordCount); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	return info, nil
}

// Sweep re-applies the capacity bound for every user. Run from the nightly
// maintenance job.
func (s *Store) Sweep(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT platform, user_id FROM memory_stores`)
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	type userKey struct{ platform, userID string }
	var users []userKey
	for rows.Next() {
		var k userKey
		if err := rows.Scan(&k.platform, &k.userID); err != nil {
			rows.Close()
			return fmt.Errorf("scan store row: %w", err)
		}
		users = append(users, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stores: %w", err)
	}

	for _, u := range users {
		if err := s.sweepUser(ctx, u.platform, u.userID); err != nil {
			log.Warn().Err(err).Str("platform", u.platform).Str("user", u.userID).Msg("sweep failed for user")
		}
	}
	return nil
}

func (s *Store) sweepUser(ctx context.Context, platform, userID string) error {
	lock := s.userLock(platform, userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	records, err := scanRecords(tx.QueryContext(ctx,
		`SELECT id, platform, user_id, category, fields, importance, created_at, updated_at, source_excerpt
		 FROM memory_records WHERE platform = ? AND user_id = ?`, platform, userID))
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	if err := s.evictOver(ctx, tx, records, s.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// fieldByKey looks up a record field under synonym normalization and
// reports the stored key it matched on.
func fieldByKey(fields map[string]string, synonyms *SynonymTable, canonicalKey string) (string, string, bool) {
	for k, v := range fields {
		if synonyms.Canonical(k) == canonicalKey {
			return k, v, true
		}
	}
	return "", "", false
}

func scanRecords(rows *sql.Rows, err error) ([]Record, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var fields, created, updated string
		if err := rows.Scan(&r.ID, &r.Platform, &r.UserID, &r.Category, &fields,
			&r.Importance, &created, &updated, &r.SourceExcerpt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("parse record fields: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		records = append(records, r)
	}
	return records, rows.Err()
}
