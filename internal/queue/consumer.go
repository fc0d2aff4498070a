package queue

import (
    "context"
    "errors"
    "fmt"
    "time"

    "github.com/labstack/gommon/log"
    amqp "github.com/rabbitmq/amqp091-go"
)

// Sender delivers one queued conversion.  service.ConversionSender
// implements it.
type Sender interface {
    SendQueued(ctx context.Context, id uint64) (bool, error)
}

// Consumer drains the conversion queue into a Sender.
type Consumer struct {
    url     string
    queue   string
    sender  Sender
    timeout time.Duration
    logger  *log.Logger
}

// NewConversionConsumer returns a consumer; timeout bounds each send.
func NewConversionConsumer(url, queue string, sender Sender, timeout time.Duration, logger *log.Logger) *Consumer {
    if queue == "" {
        queue = DefaultConversionQueue
    }
    if timeout <= 0 {
        timeout = 15 * time.Second
    }
    return &Consumer{url: url, queue: queue, sender: sender, timeout: timeout, logger: logger}
}

// Run connects to RabbitMQ, declares the queue (durable) and consumes
// until ctx is done.  Connection failures are retried with exponential
// backoff; a failed message is rejected without requeue and left for the
// sweeper.
func (c *Consumer) Run(ctx context.Context) error {
    backoff := time.Second
    for {
        if ctx.Err() != nil {
            return ctx.Err()
        }
        conn, err := amqp.Dial(c.url)
        if err != nil {
            c.logger.Warnf("conversion-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
            if !wait(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = c.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        c.logger.Warnf("conversion-consumer: consume loop ended: %v; reconnecting", err)
        if !wait(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        c.logger.Warnf("conversion-consumer: set QoS failed: %v", err)
    }
    if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := c.handleMessage(ctx, d.Body); err != nil {
                c.logger.Warnf("conversion-consumer: handle message failed: %v", err)
                _ = d.Nack(false, false)
                continue
            }
            _ = d.Ack(false)
        }
    }
}

func (c *Consumer) handleMessage(ctx context.Context, body []byte) error {
    m, err := DecodeConversionQueued(body)
    if err != nil {
        return err
    }
    sctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    delivered, err := c.sender.SendQueued(sctx, m.ConversionID)
    if err != nil {
        return fmt.Errorf("send conversion id=%d: %w", m.ConversionID, err)
    }
    if !delivered {
        c.logger.Infof("conversion-consumer: id=%d not delivered, left for retry", m.ConversionID)
    }
    return nil
}

func wait(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
