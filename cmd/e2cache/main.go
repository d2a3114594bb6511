// Command e2cache is a thin demonstration CLI over the cache/transport
// core: enough surface to exercise fetch/push/exists end to end against a
// real .e2cache.toml, without re-implementing the full build-tool CLI
// this layer is meant to be embedded into.
//
// Grounded on cmd/portsy/main.go's flag-based mode switch and .env
// overlay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"

	"github.com/emlix/e2cache/cache"
	"github.com/emlix/e2cache/internal/config"
	"github.com/emlix/e2cache/internal/core/errs"
	"github.com/emlix/e2cache/internal/core/sigctl"
	"github.com/emlix/e2cache/internal/core/tmpfs"
	"github.com/emlix/e2cache/internal/core/tool"
)

// run wraps main's body with the recover path for the "Internal" error
// kind: a Bomb panic writes its traceback to stderr and the process
// exits 32, distinct from the exit-1 path for ordinary user/runtime
// errors.
func run() {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := errs.IsBomb(r); ok {
				fmt.Fprintln(os.Stderr, "e2cache: internal error (bomb):")
				fmt.Fprintln(os.Stderr, e.Error())
				os.Stderr.Write(debug.Stack())
				os.Exit(32)
			}
			panic(r)
		}
	}()
	realMain()
}

func mustEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	run()
}

func realMain() {
	_ = godotenv.Overload(".env", "../.env", "../../.env")
	sigctl.Start()

	var (
		mode       = flag.String("mode", "fetch", "fetch | push | exists | in-cache | show-config")
		configPath = flag.String("config", "", "path to .e2cache.toml (defaults to ./.e2cache.toml or $HOME/.e2cache.toml)")
		server     = flag.String("server", "", "server name as configured in .e2cache.toml")
		location   = flag.String("location", "", "location within the server's namespace")
		destDir    = flag.String("dest-dir", ".", "destination directory (fetch)")
		destName   = flag.String("dest-name", "", "destination file name (fetch; defaults to base name of location)")
		source     = flag.String("source", "", "local source file (push)")
		refresh    = flag.Bool("refresh", false, "force a re-fetch through the cache")
		writeback  = flag.String("writeback", "", "true|false: override writeback for this call")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("e2cache: config: %v", err)
	}

	tools := tool.NewRegistry()
	for name, tc := range cfg.Tools {
		enable := true
		if tc.Enable != nil {
			enable = *tc.Enable
		}
		if err := tools.Set(name, tc.Command, tc.Flags, enable); err != nil {
			log.Fatalf("e2cache: tool override %q: %v", name, err)
		}
	}
	if err := tools.Init(); err != nil {
		log.Fatalf("e2cache: tool init: %v", err)
	}
	for _, missing := range tools.MissingOptional() {
		log.Printf("e2cache: warning: optional tool %q not found", missing)
	}

	c, err := cache.SetupCache(mustEnv("E2_CONFIG", "e2cache"), cfg, tools)
	if err != nil {
		log.Fatalf("e2cache: setup cache: %v", err)
	}

	defer func() {
		os.Chdir("/")
		tmpfs.Shutdown()
	}()

	ctx := context.Background()

	var flags cache.Flags
	flags.Refresh = *refresh
	if *writeback != "" {
		v := *writeback == "true"
		flags.Writeback = &v
	}

	switch *mode {
	case "fetch":
		if *server == "" || *location == "" {
			log.Fatalf("e2cache: -server and -location are required for -mode=fetch")
		}
		if err := c.FetchFile(ctx, *server, *location, *destDir, *destName, flags); err != nil {
			log.Fatalf("e2cache: fetch: %v", err)
		}
		fmt.Printf("fetched %s/%s -> %s\n", *server, *location, *destDir)
	case "push":
		if *server == "" || *location == "" || *source == "" {
			log.Fatalf("e2cache: -server, -location and -source are required for -mode=push")
		}
		if err := c.PushFile(ctx, *source, *server, *location, flags); err != nil {
			log.Fatalf("e2cache: push: %v", err)
		}
		fmt.Printf("pushed %s -> %s/%s\n", *source, *server, *location)
	case "exists":
		ok, err := c.FileExists(ctx, *server, *location, flags)
		if err != nil {
			log.Fatalf("e2cache: exists: %v", err)
		}
		fmt.Println(ok)
	case "in-cache":
		ok, err := c.FileInCache(*server, *location)
		if err != nil {
			log.Fatalf("e2cache: in-cache: %v", err)
		}
		fmt.Println(ok)
	case "show-config":
		fmt.Println(cfg.String())
	default:
		log.Fatalf("e2cache: unknown -mode %q", *mode)
	}

	if sigctl.Interrupted() {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefaultLocations()
}
