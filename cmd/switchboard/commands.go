package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/switchboard/internal/agentsvc"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/credential"
	"github.com/nugget/switchboard/internal/httpkit"
	"github.com/nugget/switchboard/internal/orchestrator"
	"github.com/nugget/switchboard/internal/router"
	"github.com/nugget/switchboard/internal/runlog"
	"github.com/nugget/switchboard/internal/toolbridge"
	"github.com/nugget/switchboard/internal/usage"
)

// runAsk routes one message through the same router serve uses and
// prints the reply. Remote agents and threads created for it are
// deleted before returning.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			logger.Warn("cleanup failed", "error", cerr)
		}
	}()

	var reply router.Reply
	sink := router.SinkFunc(func(_ context.Context, r router.Reply) error {
		reply = r
		return nil
	})
	if err := a.router.Dispatch(ctx, router.Inbound{
		Text:           strings.Join(args, " "),
		ConversationID: "cli",
		Sender:         "cli",
	}, sink); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{"text": reply.Text, "ai_generated": reply.AIGenerated})
	}
	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runTools lists what the configured tool bridge exposes, marking the
// tools the agent is allowed to call.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	if err := cfg.ToolBridge.Missing(); err != nil {
		return err
	}
	creds, err := credential.New(cfg.ToolBridge.Auth, httpkit.NewClient())
	if err != nil {
		return fmt.Errorf("tool bridge credential: %w", err)
	}

	tools, err := toolbridge.NewProbe(cfg.ToolBridge, creds, logger).ListTools(ctx)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, tools)
	}

	allowed := make(map[string]bool, len(cfg.ToolBridge.AllowedTools))
	for _, n := range cfg.ToolBridge.AllowedTools {
		allowed[n] = true
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tALLOWED\tDESCRIPTION")
	for _, t := range tools {
		ok := len(allowed) == 0 || allowed[t.Name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, yesNo(ok), firstLine(t.Description))
	}
	return tw.Flush()
}

// runRuns prints the most recent journaled runs. An optional argument
// sets how many.
func runRuns(stdout, stderr io.Writer, opts options, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: switchboard runs [limit]")
		}
		limit = n
	}

	cfg, _, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(limit)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, runs)
	}
	writeRuns(stdout, runs)
	return nil
}

func writeRuns(w io.Writer, runs []runlog.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSUBMITTED\tDURATION\tAPPROVALS\tDETAIL")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.SubmittedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.RunID, r.Status, r.SubmittedAt.Local().Format(time.DateTime), dur, r.Approvals, firstLine(r.Detail))
	}
	tw.Flush()
}

// runSteps prints what a journaled run did: each step, its tool calls,
// and the text of any message it created.
func runSteps(ctx context.Context, stdout, stderr io.Writer, opts options, runID string) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	if err := cfg.Agents.Missing(); err != nil {
		return err
	}

	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Get(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s is not in the journal", runID)
	}

	creds, err := credential.New(cfg.Agents.Auth, httpkit.NewClient())
	if err != nil {
		return fmt.Errorf("agent service credential: %w", err)
	}
	client := agentsvc.New(cfg.Agents.Endpoint, cfg.Agents.APIVersion, creds, nil, logger)

	steps, err := client.ListRunSteps(ctx, run.ThreadID, run.RunID)
	if err != nil {
		if agentsvc.IsNotFound(err) {
			return fmt.Errorf("run %s no longer exists on the agent service", runID)
		}
		return fmt.Errorf("list run steps: %w", err)
	}
	if opts.output == "json" {
		return writeJSON(stdout, steps)
	}

	msgs, err := client.ListMessages(ctx, run.ThreadID, agentsvc.ListOptions{Order: agentsvc.OrderAsc, RunID: run.RunID})
	if err != nil {
		logger.Warn("list run messages failed", "error", err)
	}
	byID := make(map[string]agentsvc.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	fmt.Fprintf(stdout, "Run %s (%s)\n", run.RunID, run.Status)
	for i, s := range steps {
		fmt.Fprintf(stdout, "\n%d. %s [%s]\n", i+1, s.Type, s.Status)
		for _, tc := range s.ToolCalls {
			name := tc.Name
			if tc.ServerLabel != "" {
				name = tc.ServerLabel + "." + name
			}
			fmt.Fprintf(stdout, "   tool %s %s\n", name, tc.Arguments)
			if tc.Output != "" {
				fmt.Fprintf(stdout, "   -> %s\n", firstLine(tc.Output))
			}
		}
		if m, ok := byID[s.MessageID]; ok {
			for _, line := range strings.Split(orchestrator.RenderMessage(m), "\n") {
				fmt.Fprintf(stdout, "   %s\n", line)
			}
		}
		if s.LastError != nil {
			fmt.Fprintf(stdout, "   error: %s\n", s.LastError.Message)
		}
	}
	return nil
}

// runUsage prints model token totals over the trailing window.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, window string) error {
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return fmt.Errorf("usage: switchboard usage [window], for example 24h")
	}

	cfg, _, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer store.Close()

	end := time.Now()
	start := end.Add(-d)
	total, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byProvider, err := store.SummaryByProvider(ctx, start, end)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{"window": d.String(), "total": total, "by_provider": byProvider})
	}

	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tREQUESTS\tINPUT\tOUTPUT")
	for _, name := range names {
		s := byProvider[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, s.Requests, s.InputTokens, s.OutputTokens)
	}
	fmt.Fprintf(tw, "total (%s)\t%d\t%d\t%d\n", d, total.Requests, total.InputTokens, total.OutputTokens)
	return tw.Flush()
}

// openJournal opens the run journal serve writes to.
func openJournal(cfg *config.Config) (*runlog.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := runlog.NewStore(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("open run journal: %w", err)
	}
	return store, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
