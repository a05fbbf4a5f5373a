package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aau-network-security/certflow/app"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPingInterval      = 20
	DefaultReconnectInterval = 5
	DefaultBufferSize        = 1000
)

type ListenerOpts struct {
	Url               string `yaml:"url"`
	PingInterval      int    `yaml:"ping-interval"`      // in seconds
	ReconnectInterval int    `yaml:"reconnect-interval"` // in seconds
	BufferSize        int    `yaml:"buffer-size"`
}

func (o *ListenerOpts) IsValid() error {
	ce := app.NewConfigErr()
	if o.Url == "" {
		ce.Add("feed url cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// Listener maintains a websocket connection to the certstream feed and
// forwards every received message into a bounded channel. The channel is the
// single delivery path towards the batcher: one reader, records in arrival
// order.
type Listener struct {
	opts ListenerOpts
	out  chan json.RawMessage
}

func NewListener(opts ListenerOpts) *Listener {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Listener{
		opts: opts,
		out:  make(chan json.RawMessage, opts.BufferSize),
	}
}

func (l *Listener) Records() <-chan json.RawMessage {
	return l.out
}

// connects to the feed and reconnects at a bounded interval until the context
// is cancelled; the record channel is closed on return
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.out)

	interval := time.Duration(l.opts.ReconnectInterval) * time.Second
	first := true

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, err := l.connect(ctx)
		if err != nil {
			log.Error().Msgf("failed to connect to feed %s: %s", l.opts.Url, err)
		} else {
			if first {
				log.Info().Msgf("connected to feed %s", l.opts.Url)
				first = false
			} else {
				log.Warn().Msgf("reconnected to feed %s", l.opts.Url)
			}

			err = l.read(ctx, conn)
			conn.Close()
			if ctx.Err() != nil {
				log.Info().Msgf("closed connection to feed %s", l.opts.Url)
				return nil
			}
			log.Error().Msgf("feed connection lost: %s", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (l *Listener) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, l.opts.Url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial feed")
	}
	return conn, nil
}

// reads messages until the connection breaks, pinging the server to keep the
// connection alive
func (l *Listener) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan bool)
	defer close(stop)

	go func() {
		ticker := time.NewTicker(time.Duration(l.opts.PingInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// unblocks the pending ReadMessage call
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read feed message")
		}

		select {
		case l.out <- json.RawMessage(msg):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
