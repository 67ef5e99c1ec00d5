// Serves the in-memory fake storage service for manual testing of the CLI.
//
// Usage: go run ./cmd/mockserver --addr 127.0.0.1:8080 --s3
//
// Then: dracoon-go login --base-url http://127.0.0.1:8080 --access-token <printed token>
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonimelisma/dracoon-go/internal/testserver"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address for the API")
	useS3 := flag.Bool("s3", false, "announce S3 storage (pre-signed part uploads)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	}

	srv := testserver.New(testserver.Options{S3: *useS3, Listener: l, Logger: logger})
	defer srv.Close()

	plain := srv.AddRoom("Plain", false)
	encrypted := srv.AddRoom("Encrypted", true)
	access, refresh := srv.Tokens()

	fmt.Printf("Serving on %s\n", srv.URL())
	fmt.Printf("  room %d: Plain\n", plain)
	fmt.Printf("  room %d: Encrypted\n", encrypted)
	fmt.Printf("  access token:  %s\n", access)
	fmt.Printf("  refresh token: %s\n", refresh)
	fmt.Printf("  auth code:     %s\n", srv.NewAuthCode())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
}
