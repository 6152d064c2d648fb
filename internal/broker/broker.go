// Package broker defines the at-least-once task delivery contract of spec §4.B and
// a RabbitMQ-backed implementation adapted from the teacher's
// internal/rabbitmq client. A no-broker polling mode (workers calling
// store.ClaimNextJob in a loop) is the fallback when RabbitMQConfig.Enabled is
// false; that mode needs no Broker implementation at all, so it lives entirely in
// internal/workerruntime.
package broker

import "context"

// SimulationTask is the unit of work published by the dispatcher and delivered to
// exactly one worker at a time (at-least-once: redelivery on crash/nack is
// expected and must be idempotent via conditional store writes, not prevented).
type SimulationTask struct {
	JobID        string
	SimID        string
	Index        int
	Decks        [4]TaskDeck
	GamesToPlay  int
	TimeoutMs    int64
}

// TaskDeck is the denormalized deck payload carried on the wire so a worker never
// has to re-resolve decks from the store mid-flight.
type TaskDeck struct {
	ID      string
	Name    string
	Content string
}

// Delivery wraps a received task with the ack/nack controls spec §4.B requires:
// Ack on success, Nack(requeue) on a retryable failure, Nack(!requeue) to
// dead-letter (or drop, depending on backend configuration).
type Delivery struct {
	Task SimulationTask
	Ack  func() error
	Nack func(requeue bool) error
}

// Broker is the publish/subscribe contract. Publish must be safe to call
// concurrently (the dispatcher bounds concurrency with errgroup, not the broker).
type Broker interface {
	PublishSimulationTask(ctx context.Context, task SimulationTask) error

	// Subscribe returns a channel of deliveries for this consumer. Closing ctx
	// stops the subscription; the returned channel is closed once the consumer
	// has fully shut down.
	Subscribe(ctx context.Context, consumerTag string) (<-chan Delivery, error)

	Health(ctx context.Context) error
	Close() error
}
