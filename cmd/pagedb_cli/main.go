package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pagedb/pagedb/config"
	"github.com/pagedb/pagedb/core/indexing/btree"
	"github.com/pagedb/pagedb/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	dataPath   = flag.String("data", "", "tree file path (overrides store.path)")
)

type session struct {
	db     *btree.BTree[string, string]
	out    io.Writer
	backup int64
}

// processCommand runs one command and reports whether the session should end.
func (s *session) processCommand(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Fprintln(s.out, "Error: put requires a key and a value.")
			return false
		}
		s.report(s.db.Put(args[1], strings.Join(args[2:], " ")), "OK")
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: get requires a key.")
			return false
		}
		v, found, err := s.db.Get(args[1])
		switch {
		case err != nil:
			s.report(err, "")
		case !found:
			fmt.Fprintf(s.out, "(not found) %s\n", args[1])
		default:
			fmt.Fprintln(s.out, v)
		}
	case "del", "delete":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: del requires a key.")
			return false
		}
		found, err := s.db.Erase(args[1])
		if err == nil && !found {
			fmt.Fprintf(s.out, "(not found) %s\n", args[1])
			return false
		}
		s.report(err, "OK")
	case "scan":
		s.scan(args[1:])
	case "stats":
		st, err := s.db.Stats()
		if err != nil {
			s.report(err, "")
			return false
		}
		fmt.Fprintf(s.out, "records:      %d\n", st.RecordCount)
		fmt.Fprintf(s.out, "height:       %d\n", st.Height)
		fmt.Fprintf(s.out, "root page:    %d\n", st.RootPageID)
		fmt.Fprintf(s.out, "pages:        %d (free list head %d)\n", st.NumPages, st.FreeListHead)
		fmt.Fprintf(s.out, "page size:    %d (leaf %d-%d records, branch %d-%d children)\n",
			st.PageSize, st.MinLeaf, st.MaxLeaf, st.MinChildren, st.MaxChildren)
		fmt.Fprintf(s.out, "cache:        %d/%d resident, %d hits, %d misses, %d evictions\n",
			st.Cache.Resident, st.Cache.Capacity, st.Cache.Hits, st.Cache.Misses, st.Cache.Evictions)
		fmt.Fprintf(s.out, "store id:     %s\n", st.StoreID)
	case "verify":
		s.report(s.db.Verify(), "tree is consistent")
	case "flush":
		s.report(s.db.Flush(), "OK")
	case "backup":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Error: backup requires a destination path.")
			return false
		}
		s.report(s.db.Tree().Backup(context.Background(), args[1], s.backup), "backup written to "+args[1])
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  put <key> <value>")
		fmt.Fprintln(s.out, "  get <key>")
		fmt.Fprintln(s.out, "  del <key>")
		fmt.Fprintln(s.out, "  scan [from] [limit]")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  verify")
		fmt.Fprintln(s.out, "  flush")
		fmt.Fprintln(s.out, "  backup <path>")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return true
	default:
		fmt.Fprintln(s.out, "Error: Unknown command. Type 'help' for a list of commands.")
	}
	return false
}

func (s *session) scan(args []string) {
	var from *string
	limit := 20
	if len(args) >= 1 {
		from = &args[0]
	}
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			fmt.Fprintf(s.out, "Error: invalid limit %q.\n", args[1])
			return
		}
		limit = n
	}
	shown := 0
	err := s.db.Scan(from, func(k, v string) bool {
		fmt.Fprintf(s.out, "%s = %s\n", k, v)
		shown++
		return shown < limit
	})
	if err != nil {
		s.report(err, "")
		return
	}
	fmt.Fprintf(s.out, "(%d records)\n", shown)
}

func (s *session) report(err error, ok string) {
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if ok != "" {
		fmt.Fprintln(s.out, ok)
	}
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pagedb_cli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *dataPath != "" {
		cfg.Store.Path = *dataPath
	}
	// The REPL is the only user of the file.
	cfg.Store.Concurrency = btree.External.String()
	if cfg.Logger.Level == "info" {
		cfg.Logger.Level = "warn"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := cfg.Store.TreeOptions(log, nil)
	if err != nil {
		return err
	}
	db, created, err := btree.OpenOrCreateBTreeFile(cfg.Store.Path, btree.StringSerializer(cfg.Store.KeyWidth, cfg.Store.ValueWidth), opts)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Store.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()

	args := flag.Args()
	s := &session{db: db, out: os.Stdout, backup: cfg.Store.BackupBytesPerSec}
	if len(args) > 0 {
		s.processCommand(args)
		return nil
	}

	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".pagedb_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagedb> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"), readline.PcItem("get"), readline.PcItem("del"),
			readline.PcItem("scan"), readline.PcItem("stats"), readline.PcItem("verify"),
			readline.PcItem("flush"), readline.PcItem("backup"), readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	state := "opened"
	if created {
		state = "created"
	}
	fmt.Fprintf(s.out, "pagedb CLI: %s %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", state, cfg.Store.Path)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.processCommand(strings.Fields(line)) {
			return nil
		}
	}
}
