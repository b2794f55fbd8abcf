// Package database implements the GXS storage engine: durable storage of
// groups and messages in SQLite, release migrations, batched retrieval with
// a per-id repair pass, and the shared metadata caches.
package database

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	_ "modernc.org/sqlite"

	"github.com/aeolun/gxsstore/pkg/crypto"
	"github.com/aeolun/gxsstore/pkg/gxs"
)

const (
	// MaxItemSize bounds payload + meta of a single stored record (1.5 MiB)
	MaxItemSize = 1536 * 1024

	groupBatchSize     = 100
	msgBatchSize       = 100
	groupMetaBatchSize = 200
)

// Options configures Open.
type Options struct {
	// Key enables at-rest encryption of blob columns when non-empty.
	Key []byte
	// MaxItemSize overrides the default MaxItemSize when positive.
	MaxItemSize int
	// Metrics receives storage metrics. May be nil.
	Metrics *Metrics
}

// DataService is the storage engine. All SQL access and all cache access is
// serialized by one lock.
type DataService struct {
	mu sync.Mutex

	db          *sql.DB
	blobs       blobCodec
	maxItemSize int
	metrics     *Metrics
	now         func() time.Time
	closed      bool

	grpCache *metaCache[gxs.GroupID, gxs.GroupMeta]
	msgCache map[gxs.GroupID]*metaCache[gxs.MessageID, gxs.MsgMeta]
}

func logWarn(format string, args ...any) {
	jww.WARN.Printf("[GXS-DB] "+format, args...)
}

// Open opens the SQLite database at path, runs pending release migrations
// and returns the storage engine.
func Open(path string, opts Options) (*DataService, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", errors.Wrap(err, "failed to open database"))
	}

	// One logical connection: the DataService lock already serializes
	// every statement.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, storageErr("open", errors.Wrapf(err, "failed to apply %q", p))
		}
	}

	s := &DataService{
		db:          conn,
		maxItemSize: MaxItemSize,
		metrics:     opts.Metrics,
		now:         time.Now,
		grpCache:    newGroupCache(),
		msgCache:    make(map[gxs.GroupID]*metaCache[gxs.MessageID, gxs.MsgMeta]),
	}
	if opts.MaxItemSize > 0 {
		s.maxItemSize = opts.MaxItemSize
	}
	if len(opts.Key) > 0 {
		sealer, err := crypto.NewSealer(opts.Key)
		if err != nil {
			conn.Close()
			return nil, storageErr("open", err)
		}
		s.blobs.sealer = sealer
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, storageErr("open", errors.WithMessage(err, "failed to run migrations"))
	}

	release, _ := getCurrentVersion(conn)
	jww.INFO.Printf("[GXS-DB] opened %s at release %d (encrypted: %v)", path, release, s.blobs.sealer != nil)
	return s, nil
}

func newGroupCache() *metaCache[gxs.GroupID, gxs.GroupMeta] {
	return newMetaCache[gxs.GroupID](func(dst, src *gxs.GroupMeta) { dst.CopyFrom(src) })
}

func newMsgCache() *metaCache[gxs.MessageID, gxs.MsgMeta] {
	return newMetaCache[gxs.MessageID](func(dst, src *gxs.MsgMeta) { dst.CopyFrom(src) })
}

// msgCacheFor returns the message cache of a group, creating it if needed.
// Callers hold s.mu.
func (s *DataService) msgCacheFor(id gxs.GroupID) *metaCache[gxs.MessageID, gxs.MsgMeta] {
	c, ok := s.msgCache[id]
	if !ok {
		c = newMsgCache()
		s.msgCache[id] = c
	}
	return c
}

// Close closes the database. Further calls fail with ErrClosed.
func (s *DataService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Release returns the schema release recorded in the database.
func (s *DataService) Release() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storageErr("release", ErrClosed)
	}
	v, err := getCurrentVersion(s.db)
	return v, storageErr("release", err)
}

// ResetDataStore drops every table, recreates the schema and empties the
// caches.
func (s *DataService) ResetDataStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storageErr("reset", ErrClosed)
	}
	jww.WARN.Printf("[GXS-DB] resetting data store")

	s.grpCache.clear()
	s.msgCache = make(map[gxs.GroupID]*metaCache[gxs.MessageID, gxs.MsgMeta])

	if err := dropSchema(s.db); err != nil {
		return storageErr("reset", err)
	}
	return storageErr("reset", runMigrations(s.db))
}

// withTx runs fn in a transaction, committing only if fn succeeds.
// Callers hold s.mu.
func (s *DataService) withTx(op string, fn func(tx *sql.Tx) error) error {
	if s.closed {
		return storageErr(op, ErrClosed)
	}
	start := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr(op, errors.Wrap(err, "failed to begin transaction"))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		s.metrics.RecordTxFailure(op)
		jww.ERROR.Printf("[GXS-DB] %s: rolled back: %v", op, err)
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		s.metrics.RecordTxFailure(op)
		jww.ERROR.Printf("[GXS-DB] %s: commit failed: %v", op, err)
		return storageErr(op, errors.Wrap(err, "failed to commit transaction"))
	}
	jww.DEBUG.Printf("[GXS-DB] %s took %v", op, time.Since(start))
	return nil
}

func (s *DataService) checkOpen(op string) error {
	if s.closed {
		return storageErr(op, ErrClosed)
	}
	return nil
}
