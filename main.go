package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workcell/internal/config"
	"workcell/internal/database"
	"workcell/internal/seed"
	"workcell/internal/server"
	"workcell/internal/telemetry"
	"workcell/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	dbDSN := flag.String("db", "", "Database path or DSN (overrides config)")
	driver := flag.String("driver", "", "Database driver: sqlite or postgres (overrides config)")
	seedFile := flag.String("seed", "", "Excel workbook to load into an empty database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config: ", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbDSN != "" {
		cfg.Database.DSN = *dbDSN
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("config: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("telemetry: shutdown: %v", err)
		}
	}()

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxRetries)
	if err != nil {
		return fmt.Errorf("DB init failed: %w", err)
	}
	defer db.Close()

	if cfg.SeedFile != "" {
		sum, err := seed.LoadFile(ctx, db, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
		}
		log.Printf("seed: %d items, %d BOMs, %d lots (skipped=%v)", sum.Items, sum.BOMs, sum.Lots, sum.Skipped)
	}

	app := server.New(db, websocket.NewHub(), cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("workcell listening on %s (%s)", srv.Addr, cfg.Database.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
