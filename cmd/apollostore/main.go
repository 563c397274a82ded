// Command apollostore is the operator tool for a store data directory.
// It opens the store described by a YAML config file and runs one
// maintenance action against it.
//
// Usage:
//
//	apollostore [--config path/to/store.yaml] <info|snapshot|gc|export|import> [file]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/myluco/activemq-apollo/internal/config"
	"github.com/myluco/activemq-apollo/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "apollostore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "store.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cmd := flag.Arg(0)
	if cmd == "" {
		return fmt.Errorf("usage: apollostore [--config file] <info|snapshot|gc|export|import> [file]")
	}

	st, err := store.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := st.Start(); err != nil {
		return err
	}
	defer func() { _ = st.Stop() }()

	switch cmd {
	case "info":
		return info(st)
	case "snapshot":
		return st.SnapshotIndex()
	case "gc":
		return st.GC()
	case "export":
		return exportTo(st, flag.Arg(1))
	case "import":
		return importFrom(st, flag.Arg(1))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func info(st *store.Store) error {
	queues, err := st.ListQueues()
	if err != nil {
		return err
	}
	lastMsg, err := st.LastMessageKey()
	if err != nil {
		return err
	}
	lastQueue, err := st.LastQueueKey()
	if err != nil {
		return err
	}
	fmt.Printf("queues:            %d\n", len(queues))
	fmt.Printf("last message key:  %d\n", lastMsg)
	fmt.Printf("last queue key:    %d\n", lastQueue)
	for _, q := range queues {
		groups, err := st.ListQueueEntryGroups(q.Key, 1000)
		if err != nil {
			return err
		}
		var count int
		var size uint64
		for _, g := range groups {
			count += g.Count
			size += g.Size
		}
		fmt.Printf("queue %d: %d entries, %d bytes\n", q.Key, count, size)
	}
	return nil
}

func exportTo(st *store.Store, path string) error {
	if path == "" {
		return st.Export(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := st.Export(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func importFrom(st *store.Store, path string) error {
	if path == "" {
		return st.Import(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return st.Import(f)
}
