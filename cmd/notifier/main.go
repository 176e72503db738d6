// Command notifier relays source health alerts from Kafka to the operators'
// webhook. Without a webhook URL alerts are only logged.
//
// Usage:
//
//	go run ./cmd/notifier [-config configs/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yeto-platform/ingestcore/internal/notify"
	"github.com/yeto-platform/ingestcore/pkg/config"
	"github.com/yeto-platform/ingestcore/pkg/kafka"
	"github.com/yeto-platform/ingestcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if len(cfg.Kafka.Brokers) == 0 {
		slog.Error("kafka.brokers is empty, nothing to relay")
		os.Exit(1)
	}

	var target notify.Notifier = notify.NewLogNotifier()
	if cfg.Notifier.WebhookURL != "" {
		target = notify.Multi{target, notify.NewWebhook(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout)}
		slog.Info("relaying alerts to webhook", "url", cfg.Notifier.WebhookURL)
	}

	relay := notify.NewRelay(target)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SourceAlerts, relay.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("alert relay started", "topic", cfg.Kafka.Topics.SourceAlerts, "group", cfg.Kafka.ConsumerGroup)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}
	slog.Info("alert relay stopped")
}
