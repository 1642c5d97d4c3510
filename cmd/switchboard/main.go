// Switchboard routes chat messages to one of several AI backends chosen
// by a leading keyword: a base model with memory, a stateless base
// model, a local coding-agent CLI, and a hosted agent with or without
// an external tool bridge.
//
// Usage:
//
//	switchboard serve                 Start the API server
//	switchboard init [dir]            Write an example config file
//	switchboard ask <keyword> <text>  Route one message and print the reply
//	switchboard tools                 List the tool bridge's tools
//	switchboard runs                  Show recent agent runs
//	switchboard steps <run-id>        Show the recorded steps of a run
//	switchboard usage [window]        Show model token usage
//	switchboard version               Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit, os.Stdout and os.Args out of the code tests drive.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	logLevel   string
	output     string // text or json
}

// run is the real entry point. Flags come before the command; anything
// after the command belongs to it. Structured logs from serve go to
// stdout; the one-shot commands log to stderr so their output stays
// clean.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts options

	fs := pflag.NewFlagSet("switchboard", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log_level from the config file")
	fs.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	fs.Usage = func() { printUsage(stdout, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stdout, fs)
		return nil
	}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: switchboard ask <keyword> <prompt>")
		}
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "runs":
		return runRuns(stdout, stderr, opts, cmdArgs)
	case "steps":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: switchboard steps <run-id>")
		}
		return runSteps(ctx, stdout, stderr, opts, cmdArgs[0])
	case "usage":
		window := "24h"
		if len(cmdArgs) > 0 {
			window = cmdArgs[0]
		}
		return runUsage(ctx, stdout, stderr, opts, window)
	case "version":
		return runVersion(stdout, opts.output)
	case "help":
		printUsage(stdout, fs)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Switchboard - keyword-routed AI chat relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <keyword> <text>  Route one message and print the reply")
	fmt.Fprintln(w, "  tools                 List the tool bridge's tools")
	fmt.Fprintln(w, "  runs [limit]          Show recent agent runs")
	fmt.Fprintln(w, "  steps <run-id>        Show the recorded steps of a run")
	fmt.Fprintln(w, "  usage [window]        Show model token usage (default: 24h)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// setup loads the configuration and builds a logger writing to w.
func setup(w io.Writer, opts options) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	levelName := cfg.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(w, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// newLogger creates a structured logger that writes to w at the given
// level. format is "text" or "json"; anything else means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist; otherwise the default locations are searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
