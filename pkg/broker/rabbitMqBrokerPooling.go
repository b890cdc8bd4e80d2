package broker

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the subset of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConn) IsClosed() bool { return c.conn.IsClosed() }
func (c amqpConn) Close() error   { return c.conn.Close() }

// dialAMQP is overridable in tests.
var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := make(chan *amqp.Error, 1)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			log.Warn().Err(err).Msg("RabbitMQ connection closed")
		}
	}()
	return amqpConn{conn: conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     channel,
		notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("broker is closed")
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}

	connection, err := dialAMQP(r.settings.URL)
	if err != nil {
		return err
	}
	r.connection = connection

	// Channels of the previous connection are dead; replace the pool
	r.drainPool(r.channelPool)
	pool := make(chan *pooledChannel, r.settings.PoolSize)
	for i := 0; i < r.settings.PoolSize; i++ {
		pooledChan, err := newPooledChannel(connection)
		if err != nil {
			r.drainPool(pool)
			return err
		}
		pool <- pooledChan
	}
	r.channelPool = pool

	log.Info().Int("pool_size", r.settings.PoolSize).Msg("RabbitMQ connection and channel pool initialized")
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !lost {
				continue
			}
			log.Info().Msg("Attempting to reconnect to RabbitMQ")
			if err := r.connectAndInitialize(); err != nil {
				log.Error().Err(err).Msg("Failed to reconnect to RabbitMQ")
			} else {
				log.Info().Msg("Reconnected to RabbitMQ")
			}
		case <-r.stopReconnect:
			log.Debug().Msg("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	r.mu.Lock()
	pool, conn, closed := r.channelPool, r.connection, r.closed
	r.mu.Unlock()

	if closed {
		return nil, errors.New("broker is closed")
	}

	for {
		select {
		case pooledChan := <-pool:
			select {
			case err := <-pooledChan.notifyClose:
				log.Debug().Err(err).Msg("Discarding closed channel")
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			if conn == nil {
				return nil, errors.New("not connected to RabbitMQ")
			}
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		log.Debug().Err(err).Msg("Discarding closed channel")
		return
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		_ = pooledChan.channel.Close()
	}
}

// drainPool closes every idle channel in pool. The caller holds r.mu.
func (r *rabbitMqBroker) drainPool(pool chan *pooledChannel) {
	for {
		select {
		case pooledChan := <-pool:
			_ = pooledChan.channel.Close()
		default:
			return
		}
	}
}
