// Package queue adapts the teacher repo's AMQP publisher (queue/rabbit.go,
// queue/amqp_interface.go) from a single fixed message type into a generic,
// named-job publisher used by the Background Orchestrator (spec §4.14) for
// cross-process job fan-out. The dependency-injected dialer/connection/
// channel interfaces exist purely so tests never need a live broker.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/example/expense-core/internal/apperr"
)

// Job is the wire shape published for every named orchestrator job.
type Job struct {
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// AMQPChannel is the subset of *amqp.Channel the publisher needs.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConnection is the subset of *amqp.Connection the publisher needs.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPDialer dials a broker URL into an AMQPConnection.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPChannel wraps *amqp.Channel to satisfy AMQPChannel.
type RealAMQPChannel struct{ ch *amqp.Channel }

func (c *RealAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *RealAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (c *RealAMQPChannel) Close() error { return c.ch.Close() }

// RealAMQPConnection wraps *amqp.Connection to satisfy AMQPConnection.
type RealAMQPConnection struct{ conn *amqp.Connection }

func (c *RealAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealAMQPChannel{ch: ch}, nil
}

func (c *RealAMQPConnection) Close() error { return c.conn.Close() }

// RealAMQPDialer dials a genuine broker connection.
type RealAMQPDialer struct{}

func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealAMQPConnection{conn: conn}, nil
}

// Publisher fans jobs out over AMQP, one durable queue per job name, using
// the default exchange with the queue name as routing key (teacher
// rabbit.go's own pattern, unchanged).
type Publisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	prefix     string
}

// NewPublisher dials url and builds a Publisher whose queues are named
// prefix+jobName.
func NewPublisher(url, prefix string) (*Publisher, error) {
	return NewPublisherWithDialer(url, prefix, RealAMQPDialer{})
}

// NewPublisherWithDialer is NewPublisher with an injectable dialer, for tests.
func NewPublisherWithDialer(url, prefix string, dialer AMQPDialer) (*Publisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "amqp dial failed", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "amqp channel open failed", err)
	}
	return &Publisher{connection: conn, channel: ch, prefix: prefix}, nil
}

// QueueName returns the durable queue name backing jobName.
func (p *Publisher) QueueName(jobName string) string {
	return fmt.Sprintf("%s%s", p.prefix, jobName)
}

// Publish declares job's queue if needed and publishes it as JSON.
func (p *Publisher) Publish(job Job) error {
	name := p.QueueName(job.Name)
	if _, err := p.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "queue declare failed", err)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "job marshal failed", err)
	}
	err = p.channel.Publish("", name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   job.EnqueuedAt,
	})
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "job publish failed", err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.connection.Close()
}
