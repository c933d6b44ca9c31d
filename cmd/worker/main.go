// Worker consumes audit records from Kafka, pushes them to Loki, and mirrors
// them to the OTLP collector as log records when OTLP_ENDPOINT is set.
// Set KAFKA_BROKERS, AUDIT_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	auditdomain "voicegate/internal/audit/domain"
	"voicegate/internal/audit/loki"
	"voicegate/internal/config"
	"voicegate/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.AuditKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	topic := cfg.AuditKafkaTopic
	if topic == "" {
		topic = "voicegate-audit"
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "voicegate-audit-worker"
	}

	providers, err := otel.NewProviders(context.Background(), cfg.OTLPEndpoint, "voicegate-worker", false)
	if err != nil {
		log.Fatalf("worker: telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Printf("worker: telemetry shutdown: %v", err)
		}
	}()
	emitter := otel.NewAuditEmitter(providers.LoggerProvider)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	log.Printf("worker: consuming from %s (group %s), pushing to %s", topic, groupID, cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker: stopped")
				return
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		pushCtx, pushCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := loki.PushRecordJSON(pushCtx, cfg.LokiURL, msg.Value); err != nil {
			log.Printf("worker: loki push failed: %v", err)
		}
		pushCancel()

		var rec auditdomain.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Printf("worker: malformed audit record, skipping otlp mirror: %v", err)
			continue
		}
		if err := emitter.Publish(ctx, &rec); err != nil {
			log.Printf("worker: otlp emit failed: %v", err)
		}
	}
}
