// Command dbcoredemo exercises the storage and transaction core directly
// through Engine/Transaction calls — never through a SQL string, matching
// spec §1's "out of scope: the SQL lexer/parser/planner/executor
// pipeline" — the way the teacher's cmd/demo drives its storage engines
// directly rather than through a query language.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/intellect4all/dbcore/internal/config"
	"github.com/intellect4all/dbcore/internal/engine"
	"github.com/intellect4all/dbcore/internal/storage/common"
	"github.com/intellect4all/dbcore/internal/storage/keyenc"
	"github.com/intellect4all/dbcore/internal/storage/rowcodec"
	"github.com/intellect4all/dbcore/internal/storage/schema"
	"github.com/intellect4all/dbcore/internal/txn"
)

func usersTable() schema.Table {
	return schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "name", Type: common.ColumnTypeString, Length: 20, PrimaryKey: true},
			{Name: "age", Type: common.ColumnTypeInt32},
		},
	}
}

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("dbcore Demo: WAL, Buffer Pool, B+Tree Index, ARIES Recovery")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	dir, err := os.MkdirTemp("", "dbcoredemo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	demoBasicDML(dir, logger)
	fmt.Println()
	demoIndexAndCrashRecovery(dir, logger)
}

func demoBasicDML(dir string, logger zerolog.Logger) {
	fmt.Println("\n### Transactions, Locking, and Rollback ###")
	fmt.Println(strings.Repeat("-", 40))

	cfg := config.Default(dir + "/basic")
	e, err := engine.Open(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer e.Close()

	t1 := e.Begin(txn.RepeatableRead)
	if err := e.CreateTable(t1, usersTable()); err != nil {
		log.Fatal(err)
	}
	if err := e.Commit(t1); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ CREATE TABLE users(name PK, age)")

	t2 := e.Begin(txn.RepeatableRead)
	if _, err := e.InsertRow(t2, "users", rowcodec.Row{"alice", int32(25)}); err != nil {
		log.Fatal(err)
	}
	if _, err := e.InsertRow(t2, "users", rowcodec.Row{"bob", int32(30)}); err != nil {
		log.Fatal(err)
	}
	if err := e.Commit(t2); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ committed INSERT alice, bob")

	t3 := e.Begin(txn.RepeatableRead)
	if _, err := e.InsertRow(t3, "users", rowcodec.Row{"carol", int32(40)}); err != nil {
		log.Fatal(err)
	}
	if err := e.Abort(t3); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ aborted INSERT carol (CLR-driven rollback)")

	t4 := e.Begin(txn.RepeatableRead)
	printRows(e, t4)
	if err := e.Commit(t4); err != nil {
		log.Fatal(err)
	}
}

func demoIndexAndCrashRecovery(dir string, logger zerolog.Logger) {
	fmt.Println("\n### Secondary Index + Simulated Crash Recovery ###")
	fmt.Println(strings.Repeat("-", 40))

	cfg := config.Default(dir + "/recover")
	cfg.CheckpointInterval = 0

	e, err := engine.Open(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	t1 := e.Begin(txn.RepeatableRead)
	if err := e.CreateTable(t1, usersTable()); err != nil {
		log.Fatal(err)
	}
	if err := e.Commit(t1); err != nil {
		log.Fatal(err)
	}

	t2 := e.Begin(txn.RepeatableRead)
	for _, row := range []rowcodec.Row{
		{"isaac", int32(18)},
		{"jane", int32(22)},
		{"kate", int32(30)},
	} {
		if _, err := e.InsertRow(t2, "users", row); err != nil {
			log.Fatal(err)
		}
	}
	if err := e.Commit(t2); err != nil {
		log.Fatal(err)
	}

	t3 := e.Begin(txn.RepeatableRead)
	if err := e.CreateIndex(t3, "users", "idx_name", "name", true); err != nil {
		log.Fatal(err)
	}
	if err := e.Commit(t3); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ built unique index idx_name(name) over 3 committed rows")

	// Simulate a crash: drop the process's handle to every subsystem
	// without a clean Close, leaving whatever pages the buffer pool
	// happened not to evict still unwritten to the tablespace.
	e.Abandon()
	fmt.Println("✗ simulated crash (no flush, no clean shutdown)")

	e2, err := engine.Open(cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer e2.Close()
	fmt.Println("✓ reopened; ARIES analysis/redo/undo ran automatically")

	t4 := e2.Begin(txn.RepeatableRead)
	rowID, found, err := e2.FindByIndex(t4, "users", "idx_name", []keyenc.Component{"jane"})
	if err != nil {
		log.Fatal(err)
	}
	if !found {
		log.Fatal("expected to find jane via idx_name after recovery")
	}
	fmt.Printf("✓ find_by_index(idx_name, \"jane\") -> row %s after recovery\n", rowID)
	printRows(e2, t4)
	if err := e2.Commit(t4); err != nil {
		log.Fatal(err)
	}
}

func printRows(e *engine.Engine, t *txn.Transaction) {
	err := e.Scan(t, "users", func(rowID common.RowID, row rowcodec.Row) (bool, error) {
		fmt.Printf("  %s -> %v\n", rowID, row)
		return false, nil
	})
	if err != nil {
		log.Fatal(err)
	}
}
