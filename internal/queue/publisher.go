package queue

import (
    "context"
    "encoding/json"
    "time"

    "github.com/labstack/gommon/log"
    amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes conversion ids to RabbitMQ.  Each publish dials its
// own connection; enqueue volume is a handful of messages per webhook.
type Publisher struct {
    url    string
    queue  string
    logger *log.Logger
}

// NewPublisher returns a publisher for the given broker URL and queue.
func NewPublisher(url, queue string, logger *log.Logger) *Publisher {
    if queue == "" {
        queue = DefaultConversionQueue
    }
    return &Publisher{url: url, queue: queue, logger: logger}
}

// Dispatch publishes a ConversionQueuedMessage for id.  Errors are logged
// and returned so the caller can ignore them; the sweeper picks up
// anything that never made it to the broker.
func (p *Publisher) Dispatch(ctx context.Context, id uint64) error {
    conn, err := amqp.Dial(p.url)
    if err != nil {
        p.logger.Warnf("rabbitmq: dial failed: %v", err)
        return err
    }
    defer func() { _ = conn.Close() }()

    ch, err := conn.Channel()
    if err != nil {
        p.logger.Warnf("rabbitmq: channel open failed: %v", err)
        return err
    }
    defer func() { _ = ch.Close() }()

    // Durable so queued ids survive broker restarts.
    if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
        p.logger.Warnf("rabbitmq: queue declare failed: %v", err)
        return err
    }

    body, err := json.Marshal(NewConversionQueuedMessage(id, time.Now()))
    if err != nil {
        return err
    }
    pub := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        Timestamp:    time.Now().UTC(),
        Body:         body,
    }
    if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
        p.logger.Warnf("rabbitmq: publish failed: %v", err)
        return err
    }
    return nil
}
