// seed loads the built-in phrase corpus into the phrases table so operators
// can inspect and extend it. Idempotent: existing phrase IDs are skipped.
package main

import (
	"context"
	"log"
	"time"

	"voicegate/internal/config"
	"voicegate/internal/db"
	"voicegate/internal/phrase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("seed: DATABASE_URL is required")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("seed: db open: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	corpus := phrase.DefaultCorpus()
	var inserted int
	for _, p := range corpus.All() {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO phrases (id, text, difficulty) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Text, string(p.Difficulty))
		if err != nil {
			log.Fatalf("seed: insert phrase %s: %v", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	log.Printf("seed: %d phrases inserted, %d already present", inserted, len(corpus.All())-inserted)
}
