// Package sessions keeps a database record of every client session the
// bridge has served.
package sessions

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dcrodman/tapserver/internal/core/client"
)

const defaultQueueSize = 256

// Config selects and tunes the database behind a Store.
type Config struct {
	// Database engine, either sqlite or postgres.
	Engine string
	// Path of the sqlite database file.
	Filename string
	// Connection string for postgres.
	DataSource string
	// Summaries buffered ahead of the database. Zero uses a default.
	QueueSize int
	// Log every SQL statement.
	LogQueries bool
}

// Store writes session summaries to the database from a background
// goroutine so that recording never blocks the bridge.
type Store struct {
	db     *gorm.DB
	logger logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan client.Summary
	done   chan struct{}

	dropped atomic.Uint64
}

// Open connects to the configured database and migrates its schema.
func Open(cfg Config, logger logrus.FieldLogger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Engine {
	case "sqlite":
		dialector = sqlite.Open(cfg.Filename)
	case "postgres":
		dialector = postgres.Open(cfg.DataSource)
	default:
		return nil, fmt.Errorf("unsupported session log engine: %q", cfg.Engine)
	}

	// By default only log errors but enable full SQL query prints with LogQueries.
	log := gormlogger.Discard
	if cfg.LogQueries {
		log = gormlogger.Default.LogMode(gormlogger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to session database: %w", err)
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("error auto migrating session database: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan client.Summary, queueSize),
		done:   make(chan struct{}),
	}
	go s.write()
	return s, nil
}

// RecordSession queues a summary for insertion without blocking. When the
// queue is full, or the store is closed, the summary is dropped.
func (s *Store) RecordSession(summary client.Summary) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- summary:
	default:
		s.dropped.Add(1)
		s.logger.WithField("client", summary.RemoteAddr).Warn("session log queue full, dropped session")
	}
}

func (s *Store) write() {
	defer close(s.done)
	for summary := range s.queue {
		if err := CreateSession(s.db, fromSummary(summary)); err != nil {
			s.logger.WithError(err).WithField("client", summary.RemoteAddr).Error("failed to record session")
		}
	}
}

// Recent returns up to limit sessions, most recently ended first.
func (s *Store) Recent(limit int) ([]Session, error) {
	return FindRecentSessions(s.db, limit)
}

// ForAddr returns every session of a remote host:port address, oldest first.
func (s *Store) ForAddr(remoteAddr string) ([]Session, error) {
	return FindSessionsByAddr(s.db, remoteAddr)
}

// Dropped returns the number of summaries that were never written.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

// Close writes out the queued summaries and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return closeDB(s.db)
}

func closeDB(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
