// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/geniusboywonder/bmad/internal/logger"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
)

const streamName = "BMAD"

// headerRequestID carries the publisher's request ID so handlers can log
// under the same correlation ID.
const headerRequestID = "Request-Id"

// headerRetryCount tracks how many times a message has been redelivered
// after handler failures. Once it reaches maxRetries the message moves to
// the subject's dead-letter subject instead of being retried again.
const headerRetryCount = "Retry-Count"

const maxRetries = 3

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// covering the approval pipeline's subjects exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"approvals.>", "budget.>", "stops.>", "workflow.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject, propagating the request ID
// from ctx as a header when present.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject. A message
// whose handler fails is naked for redelivery up to maxRetries times, then
// republished to "<subject>.dlq" and acked.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		hctx := context.Background()
		if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
			hctx = logger.WithRequestID(hctx, reqID)
		}

		if err := handler(hctx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if deliveries(msg) >= maxRetries {
				q.moveToDLQ(msg)
				return
			}
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// moveToDLQ republishes a poison message to its dead-letter subject and acks
// the original so it is not redelivered.
func (q *Queue) moveToDLQ(msg jetstream.Msg) {
	dlq := &nats.Msg{
		Subject: msg.Subject() + ".dlq",
		Data:    msg.Data(),
		Header:  msg.Headers(),
	}
	if _, err := q.js.PublishMsg(context.Background(), dlq); err != nil {
		slog.Error("dlq publish failed", "subject", dlq.Subject, "error", err)
		return
	}
	slog.Warn("message moved to dlq", "subject", dlq.Subject)
	if err := msg.Ack(); err != nil {
		slog.Error("nats ack failed after dlq", "error", err)
	}
}

// deliveries returns how many attempts this message has already consumed:
// the Retry-Count header when a publisher pre-set it, otherwise JetStream's
// own redelivery count.
func deliveries(msg jetstream.Msg) int {
	if n, err := strconv.Atoi(msg.Headers().Get(headerRetryCount)); err == nil {
		return n
	}
	if meta, err := msg.Metadata(); err == nil {
		return int(meta.NumDelivered) - 1
	}
	return 0
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

var _ messagequeue.Queue = (*Queue)(nil)
