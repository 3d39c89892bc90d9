// Package lstore provides an embeddable, disk-backed, columnar
// storage engine for single-node integer-valued relational tables.
//
// It keeps every row as a base record plus an append-only chain of
// tail records, copy-on-write style: an update or delete never
// rewrites a base record's column values, it appends a new tail record
// and rewrites only the base record's head-of-chain pointer and schema
// encoding in place. A background merge
// worker periodically reconciles committed tail updates back into
// base pages so that long version chains don't slow down reads
// forever.
//
// # Basic usage
//
//	db, _ := lstore.Open("./data", lconfig.DefaultConfig())
//	defer db.Close()
//
//	grades, _ := db.CreateTable("grades", 3, 0) // 3 columns, key is column 0
//	q := lquery.New(grades)
//	q.Insert([]int64{1, 90, 100})
//
//	rows, _ := q.Select(1, 0, []bool{true, true, true})
//
// # Concurrency
//
// Use a Transaction (package ltxn) to group operations under
// hierarchical two-phase locking, and a Worker to run several
// transactions sequentially on their own goroutine; RunWorkers fans
// multiple Workers out and waits for all of them.
package lstore
