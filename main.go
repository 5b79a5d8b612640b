// Command chatr runs a peer: a background swarm of overlay, room, and
// media-engine goroutines plus a small local HTTP server exposing the
// frame server's MJPEG streams, grounded on the teacher's own CLI shell
// in main.go / runCLIPeer (minus the desktop build, rendezvous-server
// mode, and every marketplace feature none of that machinery carries
// into this domain).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chatr/chatr/internal/config"
	"github.com/chatr/chatr/internal/frameserver"
	"github.com/chatr/chatr/internal/svcctx"

	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		fmt.Printf("chatr v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: missing peer directory")
		showUsage()
		os.Exit(1)
	}

	if err := runPeer(args[0]); err != nil {
		log.Fatalf("peer failed: %v", err)
	}
}

func runPeer(peerDirArg string) error {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		return fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return fmt.Errorf("peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "chatr.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("wrote default config at %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down gracefully...")
		cancel()
	}()

	svc, err := svcctx.Build(ctx, absDir, cfg)
	if err != nil {
		return fmt.Errorf("build service context: %w", err)
	}
	defer svc.Close()

	srv := startFrameServer(cfg.FrameServer.HTTPAddr, svc.Frames)
	defer srv.Close()

	<-ctx.Done()
	return nil
}

// startFrameServer mounts the local MJPEG endpoints described by the
// frame server (§4.5) and serves them in the background; callers close
// the returned *http.Server during shutdown.
func startFrameServer(addr string, frames *frameserver.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/stream/video", frames.Handler(frameserver.KindVideo))
	mux.Handle("/stream/screen", frames.Handler(frameserver.KindScreen))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("frame server: %v", err)
		}
	}()
	log.Printf("frame server listening on http://%s", addr)
	return srv
}

func showUsage() {
	fmt.Println("chatr - peer-to-peer group chat and voice/video")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chatr <peer-directory>")
	fmt.Println()
	fmt.Println("The directory holds chatr.json (created with defaults if absent),")
	fmt.Println("the identity key, and the sqlite store.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println("  chatr peer")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("Peer directory: %s\n", peerDir)
	fmt.Printf("Config file:    %s\n", cfgPath)
	if cfg.Profile.DisplayName != "" {
		fmt.Printf("Display name:   %s\n", cfg.Profile.DisplayName)
	}
	fmt.Printf("Frame server:   http://%s\n", cfg.FrameServer.HTTPAddr)
	fmt.Println("Starting... (Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
}
