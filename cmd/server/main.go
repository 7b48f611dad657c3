package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aeolun/duochat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.duochat/config.toml", "Path to config file")
	envFile := flag.String("env-file", ".env", "Path to a dotenv file with secrets")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to the database (overrides config)")
	backend := flag.String("backend", "", "Store backend: sqlite or badger (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("duochat server %s\n", Version)
		os.Exit(0)
	}

	// Secrets usually live in .env next to the binary
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := config.ToServerConfig()
	if err := server.ApplyEnv(&serverConfig); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	// Command-line flags override config file and environment
	if *port != 0 {
		serverConfig.HTTPPort = *port
	}
	if *dbPath != "" {
		serverConfig.DatabasePath = *dbPath
	}
	if *backend != "" {
		serverConfig.StoreBackend = *backend
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Enable debug logging if requested
	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (using defaults if not found)", *configPath)
	log.Printf("Database: %s (%s)", serverConfig.DatabasePath, serverConfig.StoreBackend)
	log.Printf("Uploads: %s", serverConfig.UploadsDir)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("duochat server %s started successfully", Version)
	log.Printf("  - HTTP API: port %d", serverConfig.HTTPPort)
	log.Printf("  - WebSocket: ws://server:%d/ws", serverConfig.HTTPPort)
	log.Printf("  - Heartbeat: every %s, pong timeout %s", serverConfig.HeartbeatInterval, serverConfig.PongTimeout)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
