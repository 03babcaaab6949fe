package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	connectTimeout    = 5 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// Publisher publishes coaching events to a topic exchange. Routing keys are
// "<routing key>.<event type>", so consumers can bind to a subset such as
// "callcoach.call.nudge".
type Publisher struct {
	logger *logrus.Logger
	config config.MessagingConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	stopChan  chan struct{}
	closed    bool
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg config.MessagingConfig, logger *logrus.Logger) *Publisher {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.QueueName
	}
	return &Publisher{
		logger:   logger,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Name identifies the sink in metrics.
func (p *Publisher) Name() string {
	return "amqp"
}

// Connect dials the broker and declares the exchange, queue and binding.
// It starts a monitor that reconnects with backoff when the connection drops.
func (p *Publisher) Connect(ctx context.Context) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.closed {
		return fmt.Errorf("AMQP publisher is closed")
	}
	if p.config.AMQPUrl == "" || p.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	conn, err := dial(ctx, p.config.AMQPUrl)
	if err != nil {
		metrics.SetAMQPConnectionStatus(false)
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := p.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	p.logger.WithFields(logrus.Fields{
		"exchange": p.config.ExchangeName,
		"queue":    p.config.QueueName,
	}).Info("Connected to AMQP server")

	go p.monitorConnection(conn, p.stopChan)
	return nil
}

// dial runs amqp.Dial under ctx with a bounded wait.
func dial(ctx context.Context, url string) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to AMQP server: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection to AMQP server timed out: %w", ctx.Err())
	}
}

func (p *Publisher) declare(channel *amqp.Channel) error {
	var args amqp.Table
	if p.config.MessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": int32(p.config.MessageTTL / time.Millisecond)}
	}

	if _, err := channel.QueueDeclare(p.config.QueueName, p.config.Durable, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	if p.config.ExchangeName == "" {
		return nil
	}
	if err := channel.ExchangeDeclare(p.config.ExchangeName, amqp.ExchangeTopic, p.config.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare AMQP exchange: %w", err)
	}
	if err := channel.QueueBind(p.config.QueueName, p.config.RoutingKey+".#", p.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind AMQP queue: %w", err)
	}
	return nil
}

// IsConnected returns the connection status
func (p *Publisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// Publish sends event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, event coaching.Event) error {
	msg, err := p.buildPublishing(event)
	if err != nil {
		return err
	}

	p.connMutex.RLock()
	channel, connected := p.channel, p.connected
	p.connMutex.RUnlock()
	if !connected || channel == nil {
		return fmt.Errorf("not connected to AMQP server")
	}

	exchange, key := p.route(event.Type)
	errCh := make(chan error, 1)
	go func() {
		errCh <- channel.Publish(exchange, key, false, false, msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to publish event to AMQP: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("publishing to AMQP timed out: %w", ctx.Err())
	}

	p.logger.WithFields(logrus.Fields{
		"call_id":     event.CallID,
		"event_type":  event.Type,
		"routing_key": key,
	}).Debug("Published event to AMQP")
	return nil
}

// route returns the exchange and routing key for an event type. Without an
// exchange, messages go straight to the queue through the default exchange.
func (p *Publisher) route(eventType coaching.EventType) (string, string) {
	if p.config.ExchangeName == "" {
		return "", p.config.QueueName
	}
	return p.config.ExchangeName, p.config.RoutingKey + "." + string(eventType)
}

func (p *Publisher) buildPublishing(event coaching.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Transient,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Headers: amqp.Table{
			"x-call-id": event.CallID,
			"x-team-id": event.TeamID,
		},
	}
	if p.config.Durable {
		msg.DeliveryMode = amqp.Persistent
	}
	if p.config.MessageTTL > 0 {
		msg.Expiration = strconv.FormatInt(p.config.MessageTTL.Milliseconds(), 10)
	}
	return msg, nil
}

// Close stops reconnect attempts and closes the connection.
func (p *Publisher) Close() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopChan)

	if p.channel != nil {
		p.channel.Close()
	}
	var err error
	if p.conn != nil {
		err = p.conn.Close()
	}
	p.connected = false
	metrics.SetAMQPConnectionStatus(false)
	p.logger.Info("Disconnected from AMQP server")
	return err
}

// monitorConnection waits for conn to close and reconnects with
// exponential backoff.
func (p *Publisher) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr := <-closeChan:
		p.connMutex.Lock()
		p.connected = false
		p.channel = nil
		p.conn = nil
		p.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)

		p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(reconnectDelay(attempt)):
		}

		err := p.Connect(context.Background())
		if err == nil {
			p.logger.WithField("attempt", attempt).Info("Successfully reconnected to AMQP server")
			return
		}
		p.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
	}
}

func reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		return maxReconnectDelay
	}
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > maxReconnectDelay {
		backoff = maxReconnectDelay
	}
	return backoff
}
