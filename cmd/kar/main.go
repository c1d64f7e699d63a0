// kar packs directory trees into single-file KAr archives, extracts them,
// lists their contents, and moves them in and out of OCI image layouts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
)

// usageError marks errors caused by bad command-line usage.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kar: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// env carries the process streams into commands.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

// commands is filled in by init because the run functions build their
// usage text from it.
var commands []command

func init() {
	commands = []command{
		{name: "pack", usage: "pack [flags] OUTPUT INPUT...", summary: "create an archive", run: runPack},
		{name: "unpack", usage: "unpack [flags] ARCHIVE DIR", summary: "extract an archive", run: runUnpack},
		{name: "list", usage: "list [flags] ARCHIVE", summary: "list archive contents", run: runList},
		{name: "publish", usage: "publish [flags] LAYOUT TAG ARCHIVE", summary: "store an archive in an OCI layout", run: runPublish},
		{name: "fetch", usage: "fetch [flags] LAYOUT TAG OUTPUT", summary: "retrieve an archive from an OCI layout", run: runFetch},
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) == 0 {
		printUsage(stderr)
		return usagef("missing command")
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(stdout)
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, args[1:])
		}
	}
	printUsage(stderr)
	return usagef("unknown command %q", name)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage:\n  kar COMMAND [flags] ARGS...\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nRun 'kar COMMAND --help' for command flags.\n")
}

// newFlagSet returns a flag set with the flags shared by every command.
func newFlagSet(e *env, c string, verbose *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet(c, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.BoolVarP(verbose, "verbose", "v", false, "log per-file detail")
	fs.Usage = func() {
		for _, cmd := range commands {
			if cmd.name == c {
				fmt.Fprintf(e.stderr, "Usage:\n  kar %s\n\nFlags:\n", cmd.usage)
			}
		}
		fs.PrintDefaults()
	}
	return fs
}

// parse parses args and checks the positional count. ok is false when help
// was requested.
func parse(fs *pflag.FlagSet, args []string, minArgs, maxArgs int) (rest []string, ok bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, false, nil
		}
		return nil, false, &usageError{msg: err.Error()}
	}
	rest = fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		fs.Usage()
		return nil, false, usagef("%s: wrong number of arguments", fs.Name())
	}
	return rest, true, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
