package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Reconnect delays
const (
	ConnectRetryDelay     = 5 * time.Second
	StreamErrorRetryDelay = 1 * time.Second
	CleanCloseRetryDelay  = 2 * time.Second
)

// Handler receives what arrives on the stream. OnConnect runs after every
// accepted (re)connection; OnEvent runs for every change event.
type Handler interface {
	OnConnect(ctx context.Context)
	OnEvent(ctx context.Context, event types.ChangeEvent)
}

// ClientConfig configures the runner side of the stream
type ClientConfig struct {
	Address string
	Token   string
	Agent   string
	// TLS enables transport security with the system roots
	TLS bool

	ConnectRetryDelay     time.Duration
	StreamErrorRetryDelay time.Duration
	CleanCloseRetryDelay  time.Duration

	// DialOptions replace the default transport credentials when set
	DialOptions []grpc.DialOption
}

// Client keeps a runner connected to its change stream
type Client struct {
	cfg    ClientConfig
	conn   *grpc.ClientConn
	logger zerolog.Logger
}

// NewClient prepares a client. No connection is made until Run.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ConnectRetryDelay == 0 {
		cfg.ConnectRetryDelay = ConnectRetryDelay
	}
	if cfg.StreamErrorRetryDelay == 0 {
		cfg.StreamErrorRetryDelay = StreamErrorRetryDelay
	}
	if cfg.CleanCloseRetryDelay == 0 {
		cfg.CleanCloseRetryDelay = CleanCloseRetryDelay
	}

	opts := cfg.DialOptions
	if len(opts) == 0 {
		if cfg.TLS {
			opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		} else {
			opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream client: %w", err)
	}
	return &Client{cfg: cfg, conn: conn, logger: log.WithComponent("stream-client")}, nil
}

// Close releases the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// sessionEnd says why a session stopped
type sessionEnd int

const (
	endConnectFailed sessionEnd = iota
	endStreamError
	endCleanClose
)

// Run keeps the stream open until ctx is cancelled, reconnecting after
// failures
func (c *Client) Run(ctx context.Context, h Handler) error {
	for {
		end, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		switch end {
		case endConnectFailed:
			delay = c.cfg.ConnectRetryDelay
			if IsAlreadyConnected(err) {
				c.logger.Warn().Msg("Another instance of this runner holds the stream, retrying")
			} else {
				c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to connect to change stream")
			}
		case endStreamError:
			delay = c.cfg.StreamErrorRetryDelay
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Change stream failed")
		case endCleanClose:
			delay = c.cfg.CleanCloseRetryDelay
			c.logger.Info().Dur("retry_in", delay).Msg("Change stream closed by server")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, h Handler) (sessionEnd, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamCtx = metadata.AppendToOutgoingContext(streamCtx, authorizationKey, "Bearer "+c.cfg.Token)
	stream, err := c.conn.NewStream(streamCtx, &serviceDesc.Streams[0], FullMethod)
	if err != nil {
		return endConnectFailed, err
	}
	if err := stream.SendMsg(&StreamRequest{Agent: c.cfg.Agent}); err != nil {
		return endConnectFailed, err
	}
	if err := stream.CloseSend(); err != nil {
		return endConnectFailed, err
	}

	// Rejections such as AlreadyExists surface on the first receive
	var first StreamMessage
	if err := stream.RecvMsg(&first); err != nil {
		return endConnectFailed, err
	}

	c.logger.Info().Str("address", c.cfg.Address).Msg("Connected to change stream")
	h.OnConnect(ctx)
	c.dispatch(ctx, h, &first)

	for {
		var msg StreamMessage
		if err := stream.RecvMsg(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return endCleanClose, nil
			}
			return endStreamError, err
		}
		c.dispatch(ctx, h, &msg)
	}
}

func (c *Client) dispatch(ctx context.Context, h Handler, msg *StreamMessage) {
	switch msg.Type {
	case MessagePing:
		c.logger.Debug().Time("sent_at", msg.Timestamp).Msg("Heartbeat")
	case MessageChange:
		if msg.Event != nil {
			h.OnEvent(ctx, *msg.Event)
		}
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("Ignoring unknown stream message")
	}
}
