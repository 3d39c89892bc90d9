package lstore

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lstoredb/lstore/internal/lconfig"
	"github.com/lstoredb/lstore/internal/lerrors"
	"github.com/lstoredb/lstore/internal/lmerge"
	"github.com/lstoredb/lstore/internal/ltable"
	"github.com/lstoredb/lstore/internal/ltxn"
)

const metadataFileName = "db_metadata.gob"

// dbMeta is the database-level persisted state: just the set of table
// names, enough for Open to know which tables to reopen. Each table's
// own schema and page directory lives in its own metadata file
// (internal/ltable), split out from the database-wide catalog so one
// table's metadata can be rewritten without touching another's.
type dbMeta struct {
	Tables map[string]tableInfo
}

type tableInfo struct {
	NumColumns int
	KeyColumn  int
}

// Database is the top-level handle: it owns a directory on disk, the
// tables opened within it, and the merge scheduler that backstops
// every table's background merge worker.
type Database struct {
	mu sync.Mutex

	path string
	cfg  lconfig.Config

	tables    map[string]*ltable.Table
	directory map[string]tableInfo

	scheduler *lmerge.Scheduler
}

// Open opens (creating if necessary) a database rooted at path,
// reopening every previously created table and starting the shared
// merge scheduler.
func Open(path string, cfg lconfig.Config) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrap(err, "lstore: creating database directory")
	}

	db := &Database{
		path:      path,
		cfg:       cfg,
		tables:    make(map[string]*ltable.Table),
		directory: make(map[string]tableInfo),
		scheduler: lmerge.NewScheduler(""),
	}

	meta, err := db.readMeta()
	if err != nil {
		return nil, err
	}
	db.directory = meta.Tables

	for name := range db.directory {
		tbl, err := ltable.Open(db.path, name, db.cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "lstore: reopening table %s", name)
		}
		db.tables[name] = tbl
		db.scheduler.Watch(tbl)
	}

	db.scheduler.Start()
	return db, nil
}

func (db *Database) readMeta() (dbMeta, error) {
	meta := dbMeta{Tables: make(map[string]tableInfo)}
	data, err := os.ReadFile(filepath.Join(db.path, metadataFileName))
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, errors.Wrap(err, "lstore: reading database metadata")
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return meta, errors.Wrap(err, "lstore: decoding database metadata")
	}
	if meta.Tables == nil {
		meta.Tables = make(map[string]tableInfo)
	}
	return meta, nil
}

func (db *Database) writeMeta() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dbMeta{Tables: db.directory}); err != nil {
		return errors.Wrap(err, "lstore: encoding database metadata")
	}
	return errors.Wrap(
		os.WriteFile(filepath.Join(db.path, metadataFileName), buf.Bytes(), 0o644),
		"lstore: writing database metadata",
	)
}

// CreateTable creates and registers a new table with numColumns
// integer columns, keyColumn as its primary-key column index.
func (db *Database) CreateTable(name string, numColumns, keyColumn int) (*ltable.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.tables[name]; exists {
		return nil, errors.Wrapf(lerrors.ErrDuplicateKey, "lstore: table %s already exists", name)
	}

	tbl, err := ltable.Create(db.path, name, numColumns, keyColumn, db.cfg)
	if err != nil {
		return nil, err
	}
	db.tables[name] = tbl
	db.directory[name] = tableInfo{NumColumns: numColumns, KeyColumn: keyColumn}
	db.scheduler.Watch(tbl)

	if err := db.writeMeta(); err != nil {
		return nil, err
	}
	return tbl, nil
}

// DropTable removes name from the database's in-memory registry. Its
// on-disk pages are left behind; there is no reclamation/compaction
// path, so dropping a table is a catalog-only operation.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tbl, ok := db.tables[name]
	if !ok {
		return lerrors.ErrNotFound
	}
	db.scheduler.Unwatch(tbl)
	delete(db.tables, name)
	delete(db.directory, name)
	return db.writeMeta()
}

// GetTable returns the table named name, if it has been created or
// reopened in this database.
func (db *Database) GetTable(name string) (*ltable.Table, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tbl, ok := db.tables[name]
	return tbl, ok
}

// Close stops the merge scheduler and flushes and persists every open
// table. There is no crash-safe write-ahead log, so a clean Close is
// the engine's only durability boundary.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.scheduler.Stop()

	for name, tbl := range db.tables {
		if err := tbl.Close(); err != nil {
			return errors.Wrapf(err, "lstore: closing table %s", name)
		}
	}
	return db.writeMeta()
}

// RunWorkers starts every worker concurrently and waits for all of
// them to finish, fanning out via errgroup so multiple
// TransactionWorkers can run in parallel, coordinating only through
// the shared lock manager.
func (db *Database) RunWorkers(workers ...*ltxn.Worker) error {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Start()
			w.Join()
			return nil
		})
	}
	return g.Wait()
}
