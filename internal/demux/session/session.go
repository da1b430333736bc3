package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dmkre/gamestack/internal/demux/frame"
	"github.com/dmkre/gamestack/internal/demux/ownership"
	"github.com/dmkre/gamestack/internal/demux/wire"
)

var (
	ErrTicketRequired      = errors.New("session: ticket required")
	ErrServiceNameRequired = errors.New("session: service name required")
)

// State tracks where a session is in its lifecycle. Transitions are strictly
// forward; there is no path back out of StateClosed.
type State int

const (
	StateConnecting State = iota
	StateGreeted
	StateAuthenticated
	StateChannelOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateGreeted:
		return "greeted"
	case StateAuthenticated:
		return "authenticated"
	case StateChannelOpen:
		return "channel-open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client runs single-use sessions against one demux endpoint. It is safe for
// concurrent use; every fetch owns its own socket and buffers.
type Client struct {
	cfg Config
	log zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "demux-session").Str("addr", cfg.Addr).Logger(),
	}, nil
}

// FetchOwned runs one full session and returns the account's owned product
// records. The connection is torn down before returning, on success and on
// every failure; cancelling ctx closes the socket immediately.
func (c *Client) FetchOwned(ctx context.Context, ticket, serviceName string) ([]ownership.Record, error) {
	if strings.TrimSpace(ticket) == "" {
		return nil, ErrTicketRequired
	}
	if strings.TrimSpace(serviceName) == "" {
		return nil, ErrServiceNameRequired
	}

	ex, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer ex.close()
	stop := context.AfterFunc(ctx, func() { _ = ex.conn.Close() })
	defer stop()

	records, err := ex.run(ctx, ticket, serviceName)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, context.Cause(ctx))
		}
		return nil, err
	}
	return records, nil
}

// exchange is the live side of one session: the socket, the partial-frame
// buffer, and the state machine position. It is never shared and never
// reused.
type exchange struct {
	cfg  Config
	log  zerolog.Logger
	conn net.Conn
	dec  *frame.Decoder

	state         State
	nextRequestID uint32
	connectionID  uint32

	scratch []byte
}

func (c *Client) dial(ctx context.Context) (*exchange, error) {
	tlsCfg, err := c.cfg.clientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrNetwork, err)
	}

	return &exchange{
		cfg:     c.cfg,
		log:     c.log,
		conn:    conn,
		dec:     frame.NewDecoder(c.cfg.Limits),
		state:   StateConnecting,
		scratch: make([]byte, 32*1024),
	}, nil
}

func (ex *exchange) run(ctx context.Context, ticket, serviceName string) ([]ownership.Record, error) {
	if err := ex.greet(ctx); err != nil {
		return nil, err
	}
	if err := ex.authenticate(ctx, ticket); err != nil {
		return nil, err
	}
	if err := ex.openChannel(ctx, serviceName); err != nil {
		return nil, err
	}
	return ex.query(ctx)
}

// greet announces the client version. The push is unacknowledged, but the
// remote rejects every request on a connection that never sent it, so it must
// be the first bytes after the TLS handshake.
func (ex *exchange) greet(ctx context.Context) error {
	err := ex.send(ctx, wire.Message{Push: &wire.Push{
		ClientVersion: &wire.ClientVersion{Version: ex.cfg.ClientVersion},
	}})
	if err != nil {
		return err
	}
	ex.state = StateGreeted
	return nil
}

func (ex *exchange) authenticate(ctx context.Context, ticket string) error {
	requestID := ex.nextID()
	err := ex.send(ctx, wire.Message{Request: &wire.Request{
		RequestID:    requestID,
		Authenticate: &wire.Authenticate{ClientID: ex.cfg.ClientID, Ticket: ticket},
	}})
	if err != nil {
		return err
	}
	rsp, err := ex.awaitResponse(ctx, requestID)
	if err != nil {
		return err
	}
	if rsp.Authenticate == nil {
		return fmt.Errorf("%w: response %d missing authenticate result", ErrDecode, requestID)
	}
	if !rsp.Authenticate.Success {
		return ErrAuth
	}
	ex.state = StateAuthenticated
	ex.log.Debug().Uint32("request_id", requestID).Msg("authenticated")
	return nil
}

func (ex *exchange) openChannel(ctx context.Context, serviceName string) error {
	requestID := ex.nextID()
	err := ex.send(ctx, wire.Message{Request: &wire.Request{
		RequestID:      requestID,
		OpenConnection: &wire.OpenConnection{ServiceName: serviceName},
	}})
	if err != nil {
		return err
	}
	rsp, err := ex.awaitResponse(ctx, requestID)
	if err != nil {
		return err
	}
	if rsp.OpenConnection == nil {
		return fmt.Errorf("%w: response %d missing open-connection result", ErrDecode, requestID)
	}
	if !rsp.OpenConnection.Success {
		return fmt.Errorf("%w: service %q", ErrChannel, serviceName)
	}
	ex.connectionID = rsp.OpenConnection.ConnectionID
	ex.state = StateChannelOpen
	ex.log.Debug().Uint32("connection_id", ex.connectionID).Str("service", serviceName).Msg("channel open")
	return nil
}

// query sends the inner initialize request over the open channel and drains
// pushes until the matching answer arrives. The answer comes back as an
// unsolicited data push, not a correlated response, and the remote may
// interleave keep-alives and unrelated channel events before it.
func (ex *exchange) query(ctx context.Context) ([]ownership.Record, error) {
	framed, err := ownership.MarshalFramed(ownership.Message{
		RequestID:  1,
		Initialize: ownership.NewInitializeRequest(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	err = ex.send(ctx, wire.Message{Push: &wire.Push{
		Data: &wire.Data{ConnectionID: ex.connectionID, Payload: framed},
	}})
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= ex.cfg.DrainAttempts; attempt++ {
		msg, err := ex.readMessage(ctx)
		if err != nil {
			return nil, err
		}
		data := matchData(msg, ex.connectionID)
		if data == nil {
			ex.log.Debug().Int("attempt", attempt).Msg("discarding unrelated message while draining")
			continue
		}
		inner, err := ownership.UnmarshalFramed(data.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if inner.InitializeResult == nil {
			return nil, fmt.Errorf("%w: data push carried no initialize result", ErrProtocol)
		}
		if !inner.InitializeResult.Success {
			return nil, fmt.Errorf("%w: service reported failure", ErrProtocol)
		}
		ex.log.Debug().Int("records", len(inner.InitializeResult.OwnedGames)).Msg("ownership query answered")
		return inner.InitializeResult.OwnedGames, nil
	}
	return nil, fmt.Errorf("%w: drained %d messages without a match", ErrProtocol, ex.cfg.DrainAttempts)
}

func matchData(msg wire.Message, connectionID uint32) *wire.Data {
	if msg.Push == nil || msg.Push.Data == nil {
		return nil
	}
	if msg.Push.Data.ConnectionID != connectionID {
		return nil
	}
	return msg.Push.Data
}

// awaitResponse reads outer messages until the response correlated to
// requestID arrives. Pushes are discarded, and so is any response whose id
// the session is not waiting on: stale, duplicate, or never-issued
// correlation ids must not disturb the state machine.
func (ex *exchange) awaitResponse(ctx context.Context, requestID uint32) (*wire.Response, error) {
	for {
		msg, err := ex.readMessage(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Response == nil {
			continue
		}
		if msg.Response.RequestID != requestID {
			ex.log.Warn().
				Uint32("got", msg.Response.RequestID).
				Uint32("want", requestID).
				Msg("ignoring response with unexpected correlation id")
			continue
		}
		return msg.Response, nil
	}
}

func (ex *exchange) nextID() uint32 {
	ex.nextRequestID++
	return ex.nextRequestID
}

func (ex *exchange) send(ctx context.Context, msg wire.Message) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := ex.setWriteDeadline(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := frame.WriteFrame(ex.conn, payload, ex.cfg.Limits); err != nil {
		return classifyIO(err)
	}
	return nil
}

func (ex *exchange) readMessage(ctx context.Context) (wire.Message, error) {
	payload, err := ex.readFrame(ctx)
	if err != nil {
		return wire.Message{}, err
	}
	msg, err := wire.Unmarshal(payload)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return msg, nil
}

// readFrame suspends until the next complete frame is buffered. Each
// underlying socket read is bounded by the read timeout; hitting it fails
// the session.
func (ex *exchange) readFrame(ctx context.Context) ([]byte, error) {
	for {
		payload, ok, err := ex.dec.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if ok {
			return payload, nil
		}
		if err := ex.setReadDeadline(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		n, err := ex.conn.Read(ex.scratch)
		if n > 0 {
			ex.dec.Feed(ex.scratch[:n])
		}
		if err != nil {
			// The failing read may still have delivered the final bytes
			// of a frame.
			payload, ok, derr := ex.dec.Next()
			if derr != nil {
				return nil, fmt.Errorf("%w: %v", ErrDecode, derr)
			}
			if ok {
				return payload, nil
			}
			return nil, classifyIO(err)
		}
	}
}

func (ex *exchange) setReadDeadline(ctx context.Context) error {
	deadline := time.Now().Add(ex.cfg.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return ex.conn.SetReadDeadline(deadline)
}

func (ex *exchange) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(ex.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return ex.conn.SetWriteDeadline(deadline)
}

func (ex *exchange) close() {
	if ex.state != StateClosed {
		ex.state = StateClosed
		_ = ex.conn.Close()
	}
}

func classifyIO(err error) error {
	switch {
	case errors.Is(err, frame.ErrPayloadTooLarge), errors.Is(err, frame.ErrTruncated):
		return fmt.Errorf("%w: %v", ErrDecode, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: timeout: %v", ErrNetwork, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
}
