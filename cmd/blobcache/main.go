// Command blobcache inspects and manipulates a blobcache directory.
//
// Usage:
//
//	blobcache [global flags] <command> [command flags] [args]
//
// Commands: put, get, cat, rm, clear, ls, stats, demo, export, import.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/go-units"

	"github.com/meigma/blobcache"
)

const defaultCapacity = "512MiB"

type globals struct {
	dir      string
	capacity int64
	sync     bool
	verify   bool
	verbose  bool
	stdout   io.Writer
	stderr   io.Writer
}

type command struct {
	usage string
	run   func(g *globals, c *blobcache.Cache, args []string) error
}

var commands = map[string]command{
	"put":    {"put [-move] <key> <file>", runPut},
	"get":    {"get <key>", runGet},
	"cat":    {"cat <key>", runCat},
	"rm":     {"rm <key>...", runRm},
	"clear":  {"clear", runClear},
	"ls":     {"ls", runLs},
	"stats":  {"stats", runStats},
	"demo":   {"demo [-files n] [-reads n] [-seed n]", runDemo},
	"export": {"export -o <file.tar.zst>", runExport},
	"import": {"import -i <file.tar.zst>", runImport},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	g := &globals{stdout: stdout, stderr: stderr}
	fs := flag.NewFlagSet("blobcache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var capacity string
	fs.StringVar(&g.dir, "dir", defaultDir(), "cache directory")
	fs.StringVar(&capacity, "capacity", defaultCapacity, "cache capacity (e.g. 512MiB, 2GiB)")
	fs.BoolVar(&g.sync, "sync", true, "fsync every commit")
	fs.BoolVar(&g.verify, "verify", false, "verify content digests when opening the cache")
	fs.BoolVar(&g.verbose, "v", false, "log cache events to stderr")
	fs.Usage = func() { printUsage(fs) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		printUsage(fs)
		return 2
	}

	var err error
	g.capacity, err = units.RAMInBytes(capacity)
	if err != nil || g.capacity <= 0 {
		fmt.Fprintf(stderr, "invalid -capacity %q\n", capacity)
		return 2
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		printUsage(fs)
		return 2
	}

	c, err := blobcache.Create(g.dir, g.capacity, g.options()...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	err = cmd.run(g, c, fs.Args()[1:])
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stderr, "usage: blobcache %s\n", cmd.usage)
			return 2
		}
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func (g *globals) options() []blobcache.Option {
	opts := []blobcache.Option{
		blobcache.WithSync(g.sync),
		blobcache.WithVerifyOnOpen(g.verify),
	}
	if g.verbose {
		logger := slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opts = append(opts, blobcache.WithLogger(logger))
	}
	return opts
}

func defaultDir() string {
	if dir := os.Getenv("BLOBCACHE_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "blobcache")
	}
	return filepath.Join(os.TempDir(), "blobcache")
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: blobcache [flags] <command> [args]")
	fmt.Fprintln(out, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(out, "\nflags:")
	fs.PrintDefaults()
}

// usageError reports wrong command arguments.
type usageError struct{}

func (usageError) Error() string { return "usage" }
