package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Qadosh7/Taco/pkg/log"
	"github.com/Qadosh7/Taco/pkg/relay"
	"github.com/Qadosh7/Taco/pkg/store"
	"github.com/Qadosh7/Taco/pkg/version"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	logLevel := flag.String("log-level", "info", "Log level")
	storeType := flag.String("store", "memory", "Record store backend (memory, sqlite, postgres)")
	sqlitePath := flag.String("sqlite-path", "taco.db", "Path to the sqlite database file")
	sqliteMigrations := flag.String("sqlite-migrations", "migrations/sqlite", "Path to the sqlite migrations directory")
	certFile := flag.String("cert-file", "", "Path to a TLS certificate file")
	keyFile := flag.String("key-file", "", "Path to a TLS key file")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting relay version %s", version.Get())
	ctx := context.Background()

	var records store.RoomStore
	switch *storeType {
	case "memory":
		records = store.NewInMemoryStore()
	case "sqlite":
		records, err = store.NewSQLiteRoomStore(ctx, *sqlitePath, *sqliteMigrations)
		if err != nil {
			panic(fmt.Sprintf("Failed to open sqlite store: %v", err))
		}
	case "postgres":
		connStr := os.Getenv("DATABASE_URL")
		if connStr == "" {
			panic("DATABASE_URL environment variable must be set")
		}
		records, err = store.NewPostgresRoomStore(ctx, connStr)
		if err != nil {
			panic(fmt.Sprintf("Failed to connect to postgres: %v", err))
		}
	default:
		panic(fmt.Sprintf("Unknown store type: %s", *storeType))
	}
	defer records.Close(ctx)

	r := relay.NewRelay(relay.NewRelayOptions{
		RecordStore: records,
	})

	sweeperCtx, cancelSweeper := context.WithCancel(ctx)
	defer cancelSweeper()
	sweeper := relay.NewPresenceSweeper(relay.NewPresenceSweeperOptions{
		Relay: r,
	})
	go sweeper.Start(sweeperCtx)

	var tlsConfig *relay.TLSConfig
	if *certFile != "" && *keyFile != "" {
		tlsConfig = &relay.TLSConfig{CertFile: *certFile, KeyFile: *keyFile}
	}
	server := relay.NewServer(relay.NewServerOptions{
		Port:  *port,
		TLS:   tlsConfig,
		Relay: r,
	})
	go server.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down relay")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop relay server: %v", err)
	}
}
