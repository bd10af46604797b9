// Package mq provides a RabbitMQ client that keeps a confirm-mode channel to
// one durable queue open across broker restarts.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/flight-collector/pkg/metrics"
)

const (
	// DefaultReconnectDelay is the wait between failed dials.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultReInitDelay is the wait before re-opening a failed channel.
	DefaultReInitDelay = 2 * time.Second

	// DefaultContentType is set on every published message.
	DefaultContentType = "application/json"

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNack               = errors.New("message not acknowledged by the broker")
)

// Config holds the configuration for a Client.
type Config struct {
	Logger    *slog.Logger
	URL       string
	QueueName string
	// ContentType defaults to DefaultContentType.
	ContentType string
	// ReconnectDelay and ReInitDelay default to the package constants.
	ReconnectDelay time.Duration
	ReInitDelay    time.Duration
	// Metrics is optional.
	Metrics *metrics.MQMetrics
}

// Client publishes to and consumes from a single queue. A background
// goroutine redials whenever the connection or channel drops.
type Client struct {
	mu              sync.Mutex
	pushMu          sync.Mutex // held across publish and confirm
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queueName       string
	contentType     string
	reconnectDelay  time.Duration
	reInitDelay     time.Duration
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New creates a Client and starts connecting in the background.
func New(cfg *Config) *Client {
	client := &Client{
		logger:         cfg.Logger,
		queueName:      cfg.QueueName,
		contentType:    cfg.ContentType,
		reconnectDelay: cfg.ReconnectDelay,
		reInitDelay:    cfg.ReInitDelay,
		metrics:        cfg.Metrics,
		done:           make(chan struct{}),
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	if client.contentType == "" {
		client.contentType = DefaultContentType
	}
	if client.reconnectDelay <= 0 {
		client.reconnectDelay = DefaultReconnectDelay
	}
	if client.reInitDelay <= 0 {
		client.reInitDelay = DefaultReInitDelay
	}
	client.logger = client.logger.With(slog.String("queue", cfg.QueueName))

	go client.handleReconnect(cfg.URL)
	return client
}

// QueueName returns the queue this client is bound to.
func (client *Client) QueueName() string {
	return client.queueName
}

// Ready reports whether a channel is currently open.
func (client *Client) Ready() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.isReady
}

func (client *Client) setReady(ready bool) {
	client.mu.Lock()
	client.isReady = ready
	client.mu.Unlock()

	if client.metrics != nil {
		if ready {
			client.metrics.ConnectionStatus.Set(1)
		} else {
			client.metrics.ConnectionStatus.Set(0)
		}
	}
}

// handleReconnect dials until it succeeds, then hands over to handleReInit
// until the connection drops or the client is closed.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err, "retry_in", client.reconnectDelay)

			select {
			case <-client.done:
				return
			case <-time.After(client.reconnectDelay):
			}
			continue
		}

		client.changeConnection(conn)
		client.logger.Info("connected")

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit opens the channel and re-opens it after channel errors.
// It returns true when the client was closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(client.reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-initializing")
		}
	}
}

// init opens a confirm-mode channel and declares the durable queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return err
	}

	if _, err := ch.QueueDeclare(
		client.queueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		_ = ch.Close()
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")
	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.mu.Lock()
	defer client.mu.Unlock()

	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.mu.Lock()
	defer client.mu.Unlock()

	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Push publishes data and waits for the broker's confirmation. While the
// client is disconnected, or when a publish is rejected, it retries with
// exponential backoff up to maxRetryAttempts times.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queueName))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			client.pushFailed("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		err := client.pushOnce(ctx, data)
		if err == nil {
			if client.metrics != nil {
				client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
			}
			if attempt > 0 {
				client.logger.Debug("push confirmed after retries", "attempts", attempt+1)
			}
			return nil
		}
		if ctx.Err() != nil {
			client.pushFailed("context_canceled")
			return ctx.Err()
		}

		client.logger.Warn("push failed, retrying", "error", err, "backoff", backoff, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			client.pushFailed("context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
		}

		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pushOnce publishes data once and waits for its confirmation.
func (client *Client) pushOnce(ctx context.Context, data []byte) error {
	client.pushMu.Lock()
	defer client.pushMu.Unlock()

	client.mu.Lock()
	confirms := client.notifyConfirm
	client.mu.Unlock()

	if err := client.UnsafePush(ctx, data); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.done:
		return errShutdown
	case confirm, ok := <-confirms:
		if !ok {
			return errNotConnected
		}
		if !confirm.Ack {
			return errNack
		}
		return nil
	}
}

func (client *Client) pushFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// UnsafePush publishes data without waiting for a confirmation.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.mu.Lock()
	if !client.isReady {
		client.mu.Unlock()
		return errNotConnected
	}
	channel := client.channel
	client.mu.Unlock()

	return channel.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType:  client.contentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Consume streams deliveries from the queue. Each delivery must be acked or
// nacked by the caller.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.mu.Lock()
	if !client.isReady {
		client.mu.Unlock()
		return nil, errNotConnected
	}
	channel := client.channel
	client.mu.Unlock()

	if err := channel.Qos(
		1,     // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return channel.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close stops reconnecting and closes the channel and connection. It returns
// errAlreadyClosed when there was no open channel.
func (client *Client) Close() error {
	stopped := false
	client.closeOnce.Do(func() {
		close(client.done)
		stopped = true
	})

	client.mu.Lock()
	defer client.mu.Unlock()

	if !stopped || !client.isReady {
		return errAlreadyClosed
	}

	client.isReady = false
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
