package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnsscience/heimdall/internal/blocking"
	"github.com/dnsscience/heimdall/internal/config"
	"github.com/dnsscience/heimdall/internal/dnssec"
	"github.com/dnsscience/heimdall/internal/server"
)

var (
	configPath = flag.String("config", "", "path to YAML configuration file")
	statsFlag  = flag.Bool("stats", true, "print statistics periodically")
)

func main() {
	fs := flag.CommandLine
	cfgFlags := config.BindFlags(fs)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg = cfgFlags.Apply(cfg, fs)

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║                 Heimdall - Recursive DNS Server               ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Bind Address:     %s\n", cfg.BindAddr)
	fmt.Printf("  DoT Address:      %s\n", orNone(cfg.DoTBindAddr))
	fmt.Printf("  DoH Address:      %s\n", orNone(cfg.DoHBindAddr))
	fmt.Printf("  Upstreams:        %v\n", cfg.UpstreamServers)
	fmt.Printf("  Rate Limiting:    %v\n", cfg.EnableRateLimiting)
	fmt.Printf("  DNS Cookies:      %v\n", cfg.EnableCookies)
	fmt.Printf("  DNSSEC:           %v (strict=%v)\n", cfg.DNSSECEnabled, cfg.DNSSECStrict)
	fmt.Println()

	var validator *dnssec.Validator
	if cfg.DNSSECEnabled {
		mode := dnssec.ModePermissive
		if cfg.DNSSECStrict {
			mode = dnssec.ModeStrict
		}
		validator = dnssec.NewValidator(mode)
	}

	blocker := blocking.NewEngine()

	srv, err := server.New(cfg, blocker, validator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error starting server: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("DNS server started successfully!")
	fmt.Println()

	if *statsFlag {
		go printStats(srv)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println()

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error stopping server: %v\n", err)
		os.Exit(1)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func printStats(srv *server.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastQueries := uint64(0)
	lastTime := time.Now()

	for range ticker.C {
		stats := srv.GetStats()
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		qps := float64(stats.Queries-lastQueries) / elapsed

		fmt.Printf("═══════════════════════════════════════════════════════════\n")
		fmt.Printf("Statistics (%.1fs interval):\n", elapsed)
		fmt.Printf("  Queries:    %10d  (%.0f qps)\n", stats.Queries, qps)
		fmt.Printf("  Answers:    %10d\n", stats.Answers)
		fmt.Printf("  Errors:     %10d\n", stats.Errors)
		fmt.Printf("  Refused:    %10d\n", stats.Refused)
		fmt.Printf("  Dropped:    %10d\n", stats.Dropped)
		fmt.Printf("  NXDOMAIN:   %10d\n", stats.NXDOMAIN)
		fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

		lastQueries = stats.Queries
		lastTime = now
	}
}
