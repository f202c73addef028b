package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes marketplace facts from JetStream and feeds them to
// the worker pool. JetStream is the primary ingestion surface; redelivery
// after a NAK gives the mirror its at-least-once guarantee, and the
// reconciler's idempotency turns that into exactly-once application.
type NATSSubscriber struct {
	js        jetstream.JetStream
	factChan  chan<- RawFact
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawFact is a fact as received off the wire, not yet parsed. Ack and Nak
// are nil for sources without redelivery (websocket feed, catch-up scan).
type RawFact struct {
	Kind     string
	Source   string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig maps one NATS subject to a fact kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
}

// StreamName is the JetStream stream carrying all marketplace facts.
const StreamName = "MARKET_FACTS"

// DefaultSubjects returns the per-kind subject layout.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "market.facts.minted", Kind: "Minted", ConsumerName: "mirror-minted"},
		{Subject: "market.facts.listed", Kind: "Listed", ConsumerName: "mirror-listed"},
		{Subject: "market.facts.delisted", Kind: "Delisted", ConsumerName: "mirror-delisted"},
		{Subject: "market.facts.sold", Kind: "Sold", ConsumerName: "mirror-sold"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, factChan chan<- RawFact, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		factChan: factChan,
		log:      log.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		kind := cfg.Kind

		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawFact{
				Kind:     kind,
				Source:   "nats",
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}

			select {
			case ns.factChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStream creates the fact stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"market.facts.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
