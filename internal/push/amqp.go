package push

import (
	"context"
	"io"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "consult-tasktrack/internal/errors"
)

// AMQPDialer receives the same status frames from a fanout exchange. Each
// connection binds its own exclusive, auto-deleted queue, so every tracker
// process sees every frame. The publisher is expected to emit an
// initial_status frame periodically since a broker cannot answer a new
// subscriber with a snapshot.
type AMQPDialer struct {
	URL      string
	Exchange string
}

// DefaultExchange is used when AMQPDialer.Exchange is empty.
const DefaultExchange = "tasktrack.status"

func (d AMQPDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amqp url is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCanceled, err, "dial amqp")
	}
	exchange := d.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.Dial(d.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "connect rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "open rabbitmq channel")
	}
	cleanup := func() {
		ch.Close()
		conn.Close()
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "declare exchange "+exchange)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "declare status queue")
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "bind status queue")
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		cleanup()
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "consume status queue")
	}
	return newDeliveryConn(deliveries, func() error {
		ch.Close()
		return conn.Close()
	}), nil
}

type deliveryConn struct {
	deliveries <-chan amqp.Delivery
	done       chan struct{}
	closeOnce  sync.Once
	closeFn    func() error
	closeErr   error
}

func newDeliveryConn(deliveries <-chan amqp.Delivery, closeFn func() error) *deliveryConn {
	return &deliveryConn{deliveries: deliveries, done: make(chan struct{}), closeFn: closeFn}
}

func (c *deliveryConn) ReadMessage() ([]byte, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, io.EOF
		}
		return d.Body, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *deliveryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}
