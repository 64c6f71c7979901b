package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/j-tyler/ken/internal/config"
	"github.com/j-tyler/ken/internal/engine"
	"github.com/j-tyler/ken/internal/handler"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/observer"
	"github.com/j-tyler/ken/internal/session"
	"github.com/j-tyler/ken/internal/store"
)

func cmdInit(ctx context.Context, args []string) int {
	root, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken init:", err)
		return exitStoreError
	}
	if err := os.MkdirAll(root+"/.ken", 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "ken init:", err)
		return exitStoreError
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken init:", err)
		return exitStoreError
	}
	log, err := logger.New(logger.Config{Level: "info"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken init:", err)
		return exitStoreError
	}

	s, err := openStore(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken init: initialize store:", err)
		return exitStoreError
	}
	defer s.Close()

	fmt.Printf("initialized ken project at %s\n", root)
	return exitOK
}

func cmdWake(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken wake <ken_path> --task <string> [--done-when <file>]")
		return exitUserError
	}
	kenPath := args[0]

	var task, doneWhenPath string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--task":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "ken wake: --task requires a value")
				return exitUserError
			}
			i++
			task = args[i]
		case "--done-when":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "ken wake: --done-when requires a value")
				return exitUserError
			}
			i++
			doneWhenPath = args[i]
		}
	}
	if task == "" {
		fmt.Fprintln(os.Stderr, "ken wake: --task is required")
		return exitUserError
	}

	var doneWhen *session.DoneWhen
	if doneWhenPath != "" {
		raw, err := os.ReadFile(doneWhenPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ken wake: read done-when file:", err)
			return exitUserError
		}
		var dw session.DoneWhen
		if err := json.Unmarshal(raw, &dw); err != nil {
			fmt.Fprintln(os.Stderr, "ken wake: parse done-when file:", err)
			return exitUserError
		}
		doneWhen = &dw
	}

	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	id := uuid.New().String()
	if _, err := s.CreateSession(ctx, store.NewSession{ID: id, KenPath: kenPath, Task: task, DoneWhen: doneWhen}); err != nil {
		fmt.Fprintln(os.Stderr, "ken wake: create session:", err)
		return exitStoreError
	}

	fmt.Println(id)
	return exitOK
}

func cmdProcess(ctx context.Context, args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken process:", err)
		return exitStoreError
	}
	e, err := engine.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken process: build engine:", err)
		return exitStoreError
	}
	defer e.Shutdown(ctx)

	if err := e.Scheduler.Process(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ken process:", err)
		return exitStoreError
	}
	return exitOK
}

func cmdDaemon(ctx context.Context, args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken daemon:", err)
		return exitStoreError
	}
	e, err := engine.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken daemon: build engine:", err)
		return exitStoreError
	}
	defer e.Shutdown(context.Background())

	e.Scheduler.Start(ctx)
	e.Log.Info("ken daemon running")

	<-ctx.Done()
	e.Log.Info("ken daemon shutting down")
	return exitOK
}

func cmdStatus(ctx context.Context, args []string) int {
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	counts := map[session.Status]int{}
	all, err := s.Query(ctx, session.Filter{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken status:", err)
		return exitStoreError
	}
	for _, sess := range all {
		counts[sess.Status]++
	}
	for _, st := range []session.Status{session.StatusPending, session.StatusWaking, session.StatusActive, session.StatusSleeping, session.StatusComplete, session.StatusFailed} {
		fmt.Printf("%-10s %d\n", st, counts[st])
	}
	return exitOK
}

func cmdTree(ctx context.Context, args []string) int {
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	id := ""
	if len(args) > 0 {
		id = args[0]
	}

	obs := observer.New(s)
	nodes, err := obs.Tree(ctx, id)
	if err != nil {
		return reportObserverError(err)
	}
	for _, n := range nodes {
		printTree(n, 0)
	}
	return exitOK
}

func printTree(n *observer.TreeNode, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s%s [%s] %s (age %s)\n", indent, n.Session.ID, n.Session.Status, n.Session.KenPath, n.Age.Round(time.Second))
	if n.TriggerSummary != "" {
		fmt.Printf("%s  trigger: %s\n", indent, n.TriggerSummary)
	}
	for _, c := range n.Children {
		printTree(c, depth+1)
	}
}

func cmdSession(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken session <id>")
		return exitUserError
	}
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	obs := observer.New(s)
	detail, err := obs.SessionDetail(ctx, args[0], 50)
	if err != nil {
		return reportObserverError(err)
	}

	b, _ := json.MarshalIndent(detail, "", "  ")
	fmt.Println(string(b))
	return exitOK
}

func cmdWhy(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken why <id>")
		return exitUserError
	}
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	obs := observer.New(s)
	node, err := obs.Why(ctx, args[0])
	if err != nil {
		return reportObserverError(err)
	}
	printBlocker(node, 0)
	return exitOK
}

func printBlocker(n *observer.BlockerNode, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s%s [%s]\n", indent, n.SessionID, n.Status)
	for _, b := range n.Blockers {
		printBlocker(b, depth+1)
	}
}

func cmdLog(ctx context.Context, args []string) int {
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	events, err := s.ListEvents(ctx, id, 200)
	if err != nil {
		return reportObserverError(err)
	}
	for _, ev := range events {
		fmt.Printf("%s %s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.SessionID, ev.Kind, ev.Data)
	}
	return exitOK
}

func cmdDiagnose(ctx context.Context, args []string) int {
	cfg, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	obs := observer.New(s)
	issues, err := obs.Diagnose(ctx, observer.Thresholds{
		StaleActive:  cfg.Scheduler.StaleActiveThreshold,
		StalePending: cfg.Scheduler.StalePendingThreshold,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken diagnose:", err)
		return exitStoreError
	}
	if len(issues) == 0 {
		fmt.Println("no issues found")
		return exitOK
	}
	for _, issue := range issues {
		fmt.Printf("%s %s: %s\n", issue.SessionID, issue.Kind, issue.Detail)
	}
	return exitOK
}

func cmdRecover(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken recover <id>")
		return exitUserError
	}
	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	e := &engine.Engine{Store: s}
	if err := e.Recover(ctx, args[0]); err != nil {
		if errors.Is(err, engine.ErrNotRecoverable) {
			fmt.Fprintln(os.Stderr, "ken recover:", err)
			return exitInvalidState
		}
		return reportObserverError(err)
	}
	return exitOK
}

func cmdAbandon(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken abandon <id> --reason <string>")
		return exitUserError
	}
	id := args[0]
	reason := "abandoned by operator"
	for i := 1; i < len(args); i++ {
		if args[i] == "--reason" && i+1 < len(args) {
			reason = args[i+1]
			i++
		}
	}

	_, _, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	e := &engine.Engine{Store: s}
	if err := e.Abandon(ctx, id, reason); err != nil {
		return reportObserverError(err)
	}
	return exitOK
}

func cmdRequest(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: ken request <json>")
		return exitUserError
	}

	_, log, s, code := openForQuery()
	if code != exitOK {
		return code
	}
	defer s.Close()

	h := handler.New(s, log)
	resp := h.Handle(ctx, []byte(args[0]))

	b, _ := json.Marshal(resp)
	fmt.Println(string(b))
	if !resp.OK {
		return exitInvalidState
	}
	return exitOK
}

// openForQuery is the shared setup for every command that only needs
// store access: load config, open a direct store connection, and skip
// the scheduler, spawner, and socket server entirely.
func openForQuery() (*config.Config, *logger.Logger, store.Store, int) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken:", err)
		return nil, nil, nil, exitStoreError
	}
	log := logger.Default()
	s, err := openStore(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ken: open store:", err)
		return nil, nil, nil, exitStoreError
	}
	return cfg, log, s, exitOK
}

// reportObserverError maps a store lookup failure to the not-found exit
// code; every other error is a generic store error.
func reportObserverError(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(os.Stderr, "ken:", err)
		return exitNotFound
	}
	fmt.Fprintln(os.Stderr, "ken:", err)
	return exitStoreError
}
