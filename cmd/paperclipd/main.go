// Command paperclipd serves one workspace of .pc files: preview streams,
// text sync, and semantic mutations over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	flag "github.com/spf13/pflag"

	"github.com/paperclip-ui/workspace/bundle"
	"github.com/paperclip-ui/workspace/parser"
	"github.com/paperclip-ui/workspace/workspace"
)

func main() {
	var (
		addr       = flag.String("addr", ":4000", "listen address")
		root       = flag.String("root", ".", "workspace root directory")
		configPath = flag.String("config", "", "YAML config file")
		verbose    = flag.BoolP("verbose", "v", false, "debug logging")
	)
	flag.Parse()

	// A .env beside the binary supplies the documented environment
	// overrides during development.
	_ = godotenv.Load()

	workspace.InitLogger(*verbose)

	cfg := workspace.DefaultConfig()
	if *configPath != "" {
		loaded, err := workspace.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg = cfg.ApplyEnv()

	loader, err := bundle.NewDirLoader(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workspace root: %v\n", err)
		os.Exit(1)
	}

	parseOpts := parser.DefaultOptions()
	parseOpts.Timeout = cfg.ParseTimeout
	parseOpts.MaxSourceSize = cfg.MaxContentSize
	parseOpts.MaxDepth = cfg.MaxComponentDepth

	b := bundle.New(bundle.Config{Loader: loader, ParseOptions: parseOpts})
	engine := workspace.NewEngine(cfg, b)
	defer engine.Close()

	registry, err := workspace.LoadRegistry(loader.Root())
	if err != nil {
		workspace.Warn("registry: %v", err)
	} else {
		engine.SetRegistry(registry)
		if len(registry.Components) > 0 {
			workspace.Info("registry: %d live components", len(registry.Components))
		}
	}

	router := echo.New()
	router.HideBanner = true
	router.Use(middleware.Recover())
	workspace.NewServer(engine).Register(router)

	go func() {
		workspace.Info("serving %s on %s", loader.Root(), *addr)
		if err := router.Start(*addr); err != nil {
			workspace.Info("server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := router.Shutdown(ctx); err != nil {
		workspace.Error("shutdown: %v", err)
	}
}
