// Package queue defines the task queue contract used between the purchase
// service and the fulfillment workers.
//
// Delivery is at least once. A consumed task stays invisible for the
// visibility timeout; if it is neither acked nor retried before then it is
// handed out again. Tasks are deduplicated by Key while queued or in flight.
package queue

import (
	"context"
	"errors"
	"time"
)

// TypeFulfillment is the task type processed by the fulfillment pool.
const TypeFulfillment = "fulfillment"

var (
	// ErrEmpty is returned by Consume when no task is due.
	ErrEmpty = errors.New("queue: no task ready")
	// ErrLeaseLost is returned by Ack and Retry when the visibility timeout
	// expired and the task was handed to another consumer.
	ErrLeaseLost = errors.New("queue: delivery lease lost")
)

// Task is a unit of work.
type Task struct {
	Type    string
	Key     string
	Payload []byte
}

// Delivery is a consumed task plus the lease needed to settle it.
type Delivery struct {
	Task Task
	// Deliveries counts how many times this task has been handed out.
	Deliveries int
	Receipt    string
}

// Queue is implemented by Memory and storage.RedisQueue.
type Queue interface {
	// Enqueue schedules task after delay. It reports false when a task with
	// the same key is already queued or in flight.
	Enqueue(ctx context.Context, task Task, delay time.Duration) (bool, error)
	Consume(ctx context.Context, taskType string) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
}
