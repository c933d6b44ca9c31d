// Janitor periodically purges expired challenges, verification sessions, and
// enrollment sessions so the ledger cannot grow unbounded.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	challengerepo "voicegate/internal/challenge/repository"
	"voicegate/internal/config"
	"voicegate/internal/db"
	enrollmentrepo "voicegate/internal/enrollment/repository"
	verificationrepo "voicegate/internal/verification/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("janitor: DATABASE_URL is required")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("janitor: db open: %v", err)
	}
	defer conn.Close()

	challenges := challengerepo.NewPostgresRepository(conn)
	verifications := verificationrepo.NewPostgresRepository(conn)
	enrollments := enrollmentrepo.NewPostgresRepository(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("janitor: shutting down...")
		cancel()
	}()

	interval := cfg.JanitorIntervalDuration()
	log.Printf("janitor: purging every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("janitor: stopped")
			return
		case <-ticker.C:
		}

		runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
		now := time.Now().UTC()
		if n, err := challenges.DeleteExpired(runCtx, now); err != nil {
			log.Printf("janitor: challenges: %v", err)
		} else if n > 0 {
			log.Printf("janitor: purged %d expired challenges", n)
		}
		if n, err := verifications.DeleteExpired(runCtx, now); err != nil {
			log.Printf("janitor: verification sessions: %v", err)
		} else if n > 0 {
			log.Printf("janitor: purged %d expired verification sessions", n)
		}
		if n, err := enrollments.DeleteExpired(runCtx, now); err != nil {
			log.Printf("janitor: enrollment sessions: %v", err)
		} else if n > 0 {
			log.Printf("janitor: purged %d expired enrollment sessions", n)
		}
		runCancel()
	}
}
