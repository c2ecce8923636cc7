// Command talqsctl is a terminal client for the TALQS service. It keeps its
// own local state file and reconciles it with the server's history.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"talqs/internal/util"
)

const defaultServerURL = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}
	command, rest := args[0], args[1:]
	switch command {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	case "whoami", "upload", "ask", "history", "delete", "delete-all", "theme":
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 2
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	serverURL := fs.String("server", envOr("TALQS_SERVER", defaultServerURL), "TALQS server URL")
	statePath := fs.String("state", envOr("TALQS_STATE", defaultStatePath()), "local state file")
	user := fs.String("user", "", "user id sent as X-User-ID (default: the persistent local id)")
	fp := fs.String("fingerprint", "", "document fingerprint (ask, history)")
	verbose := fs.Bool("v", false, "log to stderr at info level")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	level := "warn"
	if *verbose {
		level = "info"
	}
	ctx = util.ContextWithLogger(ctx, util.NewLogger(stderr, level, "talqsctl"))

	c, err := newCLI(ctx, cliOptions{
		ServerURL: *serverURL,
		StatePath: *statePath,
		UserID:    *user,
		Out:       stdout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "talqsctl: %v\n", err)
		return 1
	}

	switch command {
	case "whoami":
		err = c.whoami(ctx)
	case "upload":
		if fs.NArg() != 1 {
			err = usageError("upload <file>")
			break
		}
		err = c.upload(ctx, fs.Arg(0))
	case "ask":
		err = c.ask(ctx, strings.Join(fs.Args(), " "), *fp)
	case "history":
		err = c.history(ctx, *fp)
	case "delete":
		if fs.NArg() != 1 {
			err = usageError("delete <conversation-id>")
			break
		}
		err = c.deleteConversation(ctx, fs.Arg(0))
	case "delete-all":
		err = c.deleteAll(ctx)
	case "theme":
		err = c.theme(ctx, fs.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(stderr, "talqsctl %s: %v\n", command, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: talqsctl <command> [flags] [args]

Commands:
  whoami                 show the resolved user id and display name
  upload <file>          upload a judgment and print its summary
  ask <question>         ask about the current (or -fingerprint) document
  history                list conversations, merged with the server
  delete <id>            delete one conversation here and on the server
  delete-all             delete every conversation of the user
  theme [light|dark|system]
                         show or set the theme preference

Flags:
  -server URL            server URL (env TALQS_SERVER, default http://localhost:8080)
  -state PATH            local state file (env TALQS_STATE, default ~/.talqs/state.json)
  -user ID               send ID as X-User-ID instead of the persistent local id
  -fingerprint FP        document fingerprint for ask and history
  -v                     verbose logging to stderr
`)
}

func usageError(usage string) error {
	return fmt.Errorf("usage: talqsctl %s", usage)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".talqs", "state.json")
	}
	return filepath.Join(home, ".talqs", "state.json")
}
