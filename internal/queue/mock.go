package queue

import "github.com/streadway/amqp"

// MockAMQPChannel records publishes for assertions in tests, mirroring the
// teacher's queue/amqp_mock.go MockAMQPChannel.
type MockAMQPChannel struct {
	Published   []amqp.Publishing
	Keys        []string
	DeclareErr  error
	PublishErr  error
	LastQueue   string
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.LastQueue = name
	if m.DeclareErr != nil {
		return amqp.Queue{}, m.DeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, msg)
	m.Keys = append(m.Keys, key)
	return nil
}

func (m *MockAMQPChannel) Close() error { return nil }

// MockAMQPConnection returns a fixed MockAMQPChannel from Channel().
type MockAMQPConnection struct {
	Ch         *MockAMQPChannel
	ChannelErr error
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.Ch, nil
}

func (m *MockAMQPConnection) Close() error { return nil }

// MockAMQPDialer returns a fixed MockAMQPConnection from Dial().
type MockAMQPDialer struct {
	Conn    *MockAMQPConnection
	DialErr error
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.Conn, nil
}

// NewMockDialer builds a fully wired mock dialer/connection/channel triple.
func NewMockDialer() (*MockAMQPDialer, *MockAMQPChannel) {
	ch := &MockAMQPChannel{}
	conn := &MockAMQPConnection{Ch: ch}
	return &MockAMQPDialer{Conn: conn}, ch
}
