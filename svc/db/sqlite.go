package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"pastebook/pkg/domain"
	"pastebook/svc/schema"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	defaultTxTimeout    = 3 * time.Second
)

// Options configures Open. TxTimeout bounds how long a write waits for the
// database lock; MinLookupTime pads paste lookups so hits and misses take
// similar time.
type Options struct {
	Path          string
	MaxOpenConns  int
	MaxIdleConns  int
	QueryTimeout  time.Duration
	TxTimeout     time.Duration
	MinLookupTime time.Duration
	AutoMigrate   bool
}

// SQLite holds two pools on one file: db takes the write lock at BEGIN,
// rdb opens deferred transactions that only ever read.
type SQLite struct {
	db            *sql.DB
	rdb           *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	txTimeout     time.Duration
	minLookup     time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func Open(o Options) (*SQLite, error) {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.TxTimeout <= 0 {
		o.TxTimeout = defaultTxTimeout
	}
	db, err := openPool(dsn(o.Path, o.TxTimeout, "immediate"), o.MaxOpenConns, o.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	rdb, err := openPool(dsn(o.Path, o.TxTimeout, "deferred"), o.MaxOpenConns, o.MaxIdleConns)
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLite{
		db:           db,
		rdb:          rdb,
		queryTimeout: o.QueryTimeout,
		txTimeout:    o.TxTimeout,
		minLookup:    o.MinLookupTime,
	}
	if o.AutoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			s.Close()
			return nil, errors.Wrap(err, "migration failed")
		}
	}
	return s, nil
}

func openPool(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	return db, nil
}

// dsn enables foreign keys (blocks and files cascade with their paste)
// and bounds the wait for a lock.
func dsn(path string, busy time.Duration, txlock string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprint(busy.Milliseconds()))
	q.Set("_txlock", txlock)
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "FULL")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}
func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return errors.Wrap(domain.ErrStorageUnavailable, ErrCircuitOpen.Error())
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isBusy(err) || IsSchemaError(err) || isUnique(err) {
		return
	}
	if _, ok := domain.AsErr(err); ok {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

// normalizeResponseTime pads a lookup to the configured floor plus jitter.
func (s *SQLite) normalizeResponseTime(start time.Time) {
	if s.minLookup <= 0 {
		return
	}
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := s.minLookup + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// Repo returns a repository whose query shapes match caps.
func (s *SQLite) Repo(caps schema.Capabilities) *Repo {
	r := &Repo{s: s, caps: caps, blocks: noBlocks{}, files: noFiles{}}
	if caps.Blocks {
		r.blocks = tableBlocks{}
	}
	if caps.Files {
		r.files = tableFiles{}
	}
	return r
}

// withTx runs fn in one transaction. Failing to obtain the write lock
// within the tx timeout surfaces as domain.ErrStorageBusy.
func (s *SQLite) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout+s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		s.recordError(err)
		return classify(err, "begin tx")
	}
	if err := fn(txCtx, tx); err != nil {
		tx.Rollback()
		s.recordError(err)
		return classify(err, "tx")
	}
	err = tx.Commit()
	s.recordError(err)
	return classify(err, "commit")
}

// withReadTx runs fn in a read-only snapshot so a paste row and its
// children are seen at the same commit.
func (s *SQLite) withReadTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.rdb.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		s.recordError(err)
		return classify(err, "begin read")
	}
	defer tx.Rollback()
	err = fn(queryCtx, tx)
	s.recordError(err)
	return err
}

// classify maps driver failures onto coded errors. Schema errors are left
// intact so the caller can re-probe.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsErr(err); ok {
		return err
	}
	switch {
	case isBusy(err), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(domain.ErrStorageBusy, msg+": "+err.Error())
	case isUnique(err) && strings.Contains(err.Error(), "alias"):
		return errors.Wrap(domain.ErrAliasTaken, msg)
	}
	return errors.Wrap(err, msg)
}
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
func isUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsSchemaError reports whether err was caused by a missing table or column.
func IsSchemaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column named")
}
func (s *SQLite) Close() error {
	rerr := s.rdb.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}
