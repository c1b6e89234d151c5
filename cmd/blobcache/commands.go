package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/docker/go-units"

	"github.com/meigma/blobcache"
)

func newFlagSet(g *globals, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	return fs
}

func runPut(g *globals, c *blobcache.Cache, args []string) error {
	fs := newFlagSet(g, "put")
	move := fs.Bool("move", false, "move the file into the cache instead of copying it")
	if err := fs.Parse(args); err != nil {
		return usageError{}
	}
	if fs.NArg() != 2 {
		return usageError{}
	}
	key, src := fs.Arg(0), fs.Arg(1)
	put := c.Put
	if *move {
		put = c.Move
	}
	path, err := put(key, src)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.stdout, path)
	return nil
}

func runGet(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	path, err := c.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(g.stdout, path)
	return nil
}

func runCat(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) != 1 {
		return usageError{}
	}
	f, err := c.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(g.stdout, f)
	return err
}

func runRm(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) == 0 {
		return usageError{}
	}
	var errs []error
	for _, key := range args {
		if err := c.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runClear(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	return c.Clear()
}

func runLs(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	records := c.Records()
	tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tKEY\tSIZE\tACCESS\tDIGEST\tFILE")
	for i, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			tierOf(i, len(records)),
			r.Key,
			units.BytesSize(float64(r.Size)),
			r.LastAccess,
			shortDigest(r),
			r.FileName,
		)
	}
	return tw.Flush()
}

func runStats(g *globals, c *blobcache.Cache, args []string) error {
	if len(args) != 0 {
		return usageError{}
	}
	s := c.Stats()
	usage := usagePercent(s)
	tw := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "dir\t%s\n", c.Dir())
	fmt.Fprintf(tw, "entries\t%d\n", s.Entries)
	fmt.Fprintf(tw, "capacity\t%s\n", units.BytesSize(float64(s.Capacity)))
	fmt.Fprintf(tw, "used\t%s (%.1f%%)\n", units.BytesSize(float64(s.Used)), usage)
	fmt.Fprintf(tw, "free\t%s\n", units.BytesSize(float64(s.Free)))
	fmt.Fprintf(tw, "journal\t%s\n", units.BytesSize(float64(s.JournalSize)))
	fmt.Fprintf(tw, "health\t%s\n", healthOf(usage))
	return tw.Flush()
}

// runDemo fills the cache with random files and reads some of them back,
// printing the cache state after every call.
func runDemo(g *globals, c *blobcache.Cache, args []string) error {
	fs := newFlagSet(g, "demo")
	files := fs.Int("files", 10, "number of random files to add")
	reads := fs.Int("reads", 5, "number of random reads afterwards")
	seed := fs.Uint64("seed", 0, "random seed (0 picks one)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usageError{}
	}
	if *seed == 0 {
		*seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(*seed, *seed>>1))

	tmp, err := os.MkdirTemp("", "blobcache-demo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	var keys []string
	for range *files {
		key := randomString(rng, 16)
		src, err := randomFile(rng, tmp)
		if err != nil {
			return err
		}
		if _, err := c.Move(key, src); err != nil {
			return err
		}
		keys = append(keys, key)
		fmt.Fprintf(g.stdout, "put  %s  used=%s free=%s\n", key,
			units.BytesSize(float64(c.UsedSpace())), units.BytesSize(float64(c.FreeSpace())))
	}
	for range *reads {
		if len(keys) == 0 {
			break
		}
		key := keys[rng.IntN(len(keys))]
		_, err := c.Get(key)
		switch {
		case err == nil:
			fmt.Fprintf(g.stdout, "get  %s  hit\n", key)
		case errors.Is(err, blobcache.ErrNotFound):
			fmt.Fprintf(g.stdout, "get  %s  evicted\n", key)
		default:
			return err
		}
	}
	return nil
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(rng *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rng.IntN(len(letters))]
	}
	return string(b)
}

// randomFile writes between 2000 and 8000 random 64-bit words to a new file
// in dir.
func randomFile(rng *rand.Rand, dir string) (string, error) {
	words := 2000 + rng.IntN(6000)
	data := make([]byte, words*8)
	for i := 0; i < len(data); i += 8 {
		v := rng.Uint64()
		for j := range 8 {
			data[i+j] = byte(v >> (8 * j))
		}
	}
	path := filepath.Join(dir, randomString(rng, 12)+"."+randomString(rng, 3))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// tierOf splits the least-to-most recently used order into thirds. Cold
// entries are evicted first.
func tierOf(i, n int) string {
	switch i * 3 / n {
	case 0:
		return "cold"
	case 1:
		return "warm"
	default:
		return "hot"
	}
}

func usagePercent(s blobcache.Stats) float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity) * 100
}

func healthOf(usage float64) string {
	switch {
	case usage < 70:
		return "healthy"
	case usage <= 90:
		return "warning"
	default:
		return "critical"
	}
}

func shortDigest(r blobcache.RecordInfo) string {
	if r.Digest == "" {
		return "-"
	}
	enc := r.Digest.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}
