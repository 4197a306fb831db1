package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lsmdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to a YAML config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsmdb: load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	slog.Info("lsmdb started", "wal_dir", cfg.WAL.BaseDir, "sstable_dir", cfg.SSTable.BaseDir)

	go runShell(ctx, db)

	<-ctx.Done()

	if err := db.Close(); err != nil {
		slog.Error("failed to close store cleanly", "error", err)
		os.Exit(1)
	}
	slog.Info("lsmdb stopped")
}

// runShell reads "put <key> <value>" and "get <key>" lines from stdin until
// ctx is done or stdin closes. It's manual smoke-testing plumbing, not an
// interactive client interface.
func runShell(ctx context.Context, db *store.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "put":
			if len(fields) < 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			value := strings.Join(fields[2:], " ")
			if err := db.Put([]byte(fields[1]), []byte(value)); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("ok")
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			v, ok, err := db.Get([]byte(fields[1]))
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if !ok {
				fmt.Println("not found")
				continue
			}
			fmt.Println(string(v))
		default:
			fmt.Println("commands: put <key> <value> | get <key>")
		}
	}
}
