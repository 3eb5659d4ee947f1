// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ripplechat/ripple/internal/app"
	"github.com/ripplechat/ripple/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Ripple v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve command requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: ripple serve <instance-directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "init":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: init command requires a directory path and user id")
			fmt.Fprintln(os.Stderr, "Usage: ripple init <instance-directory> <user-id>")
			os.Exit(1)
		}
		runInit(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid instance directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Instance directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "ripple.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Print("APP: interrupt received")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}

func runInit(dirArg, userID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid instance directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create instance directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "ripple.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Ensure config: %v", err)
	}
	cfg.Identity.UserID = userID
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	if created {
		fmt.Printf("Created %s for user %q\n", cfgPath, userID)
	} else {
		fmt.Printf("Updated %s for user %q\n", cfgPath, userID)
	}
}

func showUsage() {
	fmt.Println("Ripple — realtime chat and calls for one user per instance")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ripple init <instance-directory> <user-id>   create a config")
	fmt.Println("  ripple serve <instance-directory>            run the instance")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
