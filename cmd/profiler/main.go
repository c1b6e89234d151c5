package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/blobcache"
)

type config struct {
	mode       string
	files      int
	fileSize   int
	capacity   int64
	pattern    string
	getRatio   float64
	sync       bool
	fgProfile  string
	duration   time.Duration
	iterations int
	pprofAddr  string
	cpuProfile string
	memProfile string
	traceFile  string
	cacheDir   string
	readRandom bool
	tempDir    string
	keepTemp   bool
	randomSeed int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkPath  string
	sinkCount int
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	paths, err := makeFiles(filepath.Join(dir, "src"), cfg.files, cfg.fileSize, cfg.pattern, cfg.randomSeed)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	cacheDir := cfg.cacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(dir, "cache")
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, cacheDir, paths)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s hits=%d misses=%d evictions=%d compactions=%d\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
		stats.cache.Hits,
		stats.cache.Misses,
		stats.cache.Evictions,
		stats.cache.Compactions,
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
	cache   blobcache.Stats
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, cacheDir string, paths []string) (profileStats, error) {
	c, err := openCache(cfg, cacheDir)
	if err != nil {
		return profileStats{}, err
	}
	defer func() { _ = c.Close() }()

	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}
	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks

	switch cfg.mode {
	case "put":
		for shouldContinue() {
			i := pickIndex(len(paths), ops, rng, cfg.readRandom)
			path, err := c.Put(keyFor(i), paths[i])
			if err != nil {
				return profileStats{}, err
			}
			sinkPath = path
			byteCount += int64(cfg.fileSize)
			ops++
		}

	case "get-hit":
		for i, p := range paths {
			if _, err := c.Put(keyFor(i), p); err != nil {
				return profileStats{}, err
			}
		}
		start = time.Now()
		for shouldContinue() {
			i := pickIndex(len(paths), ops, rng, cfg.readRandom)
			path, err := c.Get(keyFor(i))
			if err != nil {
				return profileStats{}, fmt.Errorf("get %s: %w (is -capacity large enough for the data set?)", keyFor(i), err)
			}
			sinkPath = path
			ops++
		}

	case "churn":
		for shouldContinue() {
			i := pickIndex(len(paths), ops, rng, cfg.readRandom)
			key := keyFor(i)
			if rng.Float64() < cfg.getRatio {
				path, err := c.Get(key)
				switch {
				case err == nil:
					sinkPath = path
					ops++
					continue
				case !errors.Is(err, blobcache.ErrNotFound):
					return profileStats{}, err
				}
			}
			path, err := c.Put(key, paths[i])
			if err != nil {
				return profileStats{}, err
			}
			sinkPath = path
			byteCount += int64(cfg.fileSize)
			ops++
		}

	case "recover":
		for i, p := range paths {
			if _, err := c.Put(keyFor(i), p); err != nil {
				return profileStats{}, err
			}
		}
		if err := c.Close(); err != nil {
			return profileStats{}, err
		}
		start = time.Now()
		for shouldContinue() {
			c, err = openCache(cfg, cacheDir)
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = len(c.Keys())
			byteCount += c.UsedSpace()
			if err := c.Close(); err != nil {
				return profileStats{}, err
			}
			ops++
		}
		if c, err = openCache(cfg, cacheDir); err != nil {
			return profileStats{}, err
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
		cache:   c.Stats(),
	}, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func openCache(cfg config, dir string) (*blobcache.Cache, error) {
	return blobcache.Create(dir, cfg.capacity, blobcache.WithSync(cfg.sync))
}

func keyFor(i int) string {
	return fmt.Sprintf("file-%05d", i)
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "churn", "mode: put, get-hit, churn, recover")
	flag.IntVar(&cfg.files, "files", 512, "number of source files")
	flag.IntVar(&cfg.fileSize, "file-size", 16<<10, "file size in bytes")
	flag.Int64Var(&cfg.capacity, "capacity", 4<<20, "cache capacity in bytes")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.Float64Var(&cfg.getRatio, "get-ratio", 0.8, "fraction of churn operations that are gets")
	flag.BoolVar(&cfg.sync, "sync", true, "fsync content, journal and directory on every commit")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "cache directory (defaults to a directory under the temp dir)")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize key selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if cfg.files <= 0 {
		log.Fatal("files must be positive")
	}
	return cfg
}

func pickIndex(n, idx int, rng *rand.Rand, random bool) int {
	if random {
		return rng.Intn(n)
	}
	return idx % n
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "blobcache-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func makeFiles(dir string, fileCount, fileSize int, pattern string, seed int64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
		return nil, err
	}
	paths := make([]string, 0, fileCount)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	for i := range fileCount {
		content := make([]byte, fileSize)
		switch pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		path := filepath.Join(dir, fmt.Sprintf("file%05d.dat", i))
		if err := os.WriteFile(path, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
