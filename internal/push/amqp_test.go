package push

import (
	"context"
	"io"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryConnReadsBodiesUntilClosed(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 2)
	closed := 0
	conn := newDeliveryConn(deliveries, func() error { closed++; return nil })

	deliveries <- amqp.Delivery{Body: []byte(`{"type":"task_update"}`)}
	data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"task_update"}`, string(data))

	close(deliveries)
	_, err = conn.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, closed)
}

func TestDeliveryConnCloseUnblocksReader(t *testing.T) {
	conn := newDeliveryConn(make(chan amqp.Delivery), nil)
	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadMessage()
		done <- err
	}()
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked")
	}
}

func TestManagerOverAMQPDeliveries(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 4)
	dialer := DialerFunc(func(context.Context) (Conn, error) {
		return newDeliveryConn(deliveries, nil), nil
	})
	m := NewManager(dialer)
	defer m.Close()
	rec := &recorder{}
	m.Subscribe(rec.fn)
	m.Connect()

	deliveries <- amqp.Delivery{Body: []byte(`{"type":"task_update","task_id":"T5","status":"pending","progress":0}`)}
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "T5", m.Tasks()[0].ID)
}

func TestAMQPDialerRequiresURL(t *testing.T) {
	_, err := AMQPDialer{}.Dial(context.Background())
	assert.Error(t, err)
}
