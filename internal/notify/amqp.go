package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	"smsmaster/internal/domain"
	logx "smsmaster/pkg/logx"
)

const (
	defaultExchange   = "smsmaster"
	defaultRoutingKey = "smsmaster.outcome"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	// RoutingKey is a prefix; the event name is appended ("<key>.<event>").
	RoutingKey string
}

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (amqpChannel, io.Closer, error)

func dialAMQP(url string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// AMQPPublisher publishes outcomes as JSON to a durable topic exchange.
// The connection is opened lazily and reopened after a failed publish.
type AMQPPublisher struct {
	cfg  AMQPConfig
	log  logx.Logger
	dial dialFunc

	mu   sync.Mutex
	ch   amqpChannel
	conn io.Closer
}

func NewAMQPPublisher(cfg AMQPConfig, log logx.Logger) *AMQPPublisher {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = defaultExchange
	}
	if strings.TrimSpace(cfg.RoutingKey) == "" {
		cfg.RoutingKey = defaultRoutingKey
	}
	return &AMQPPublisher{cfg: cfg, log: log, dial: dialAMQP}
}

func (p *AMQPPublisher) channel() (amqpChannel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %q: %w", p.cfg.Exchange, err)
	}
	p.ch, p.conn = ch, conn
	p.log.Info("amqp connected", logx.String("exchange", p.cfg.Exchange))
	return ch, nil
}

func (p *AMQPPublisher) Deliver(ctx context.Context, o domain.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.Publish(p.cfg.Exchange, p.cfg.RoutingKey+"."+string(o.Event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    o.MessageID + ":" + string(o.Event),
		Timestamp:    o.At,
		Type:         string(o.Event),
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
