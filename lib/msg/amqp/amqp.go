// Package amqp implements the event sink for AMQP compliant brokers (ie
// RabbitMQ).
package amqp

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/opencustody/walletd/lib/msg"
	"github.com/opencustody/walletd/lib/msg/types"
)

// Exchanges declared by Setup.
const (
	// we ("wallet events"): block events published by the monitor
	EventExchange = "we"
	// wa ("wallet alerts"): operator notifications
	AlertExchange = "wa"
)

// Amqp implements a connection to a broker and a channel for reuse. The
// channel runs in confirm mode so a publish only succeeds once the broker
// has taken responsibility for the message.
type Amqp struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
}

// New instantiates a new amqp event sink.
func New(uri string) (msg.EventSink, error) {
	r := Amqp{}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}

	log.Info().Str("uri", uri).Msg("connected to message broker")

	return &r, nil
}

// Setup obtains a one-use amqp channel and declares the exchanges.
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare(EventExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(AlertExchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Error().Err(err).Msg("error closing amqp channel")
		}

		r.ch = nil
	}

	return r.conn.Close()
}

func (r *Amqp) publish(exchange, key string, e types.Envelope) error {
	jsonDoc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	// obtain a confirm-mode channel if not present
	if r.ch == nil {
		ch, errCh := r.conn.Channel()
		if errCh != nil {
			return errCh
		}

		if errCh = ch.Confirm(false); errCh != nil {
			_ = ch.Close()

			return errCh
		}

		r.ch = ch
		r.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err = r.ch.Publish(exchange, key, false, false, amqp.Publishing{
		Headers:     amqp.Table{"x-signature": e.Signature},
		Body:        jsonDoc,
		ContentType: "application/json",
	}); err != nil {
		r.ch = nil

		return err
	}

	c, ok := <-r.confirms
	if !ok {
		r.ch = nil

		return amqp.ErrClosed
	}

	if !c.Ack {
		return fmt.Errorf("broker rejected publish %d on exchange %s", c.DeliveryTag, exchange)
	}

	return nil
}

// EmitEvent publishes a block event envelope to the "we" exchange.
func (r *Amqp) EmitEvent(service string, e types.Envelope) error {
	return r.publish(EventExchange, service+".block", e)
}

// EmitAlert publishes an operator alert envelope to the "wa" exchange.
func (r *Amqp) EmitAlert(service string, e types.Envelope) error {
	return r.publish(AlertExchange, service+".alert", e)
}
