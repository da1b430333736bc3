package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/dmkre/gamestack/internal/demux/frame"
	"github.com/dmkre/gamestack/internal/demux/ownership"
	"github.com/dmkre/gamestack/internal/demux/wire"
	"github.com/dmkre/gamestack/internal/testutil/testlog"
	"github.com/dmkre/gamestack/internal/testutil/tlstest"
)

const testService = "ownership_service"

// startServer runs handler for a single TLS connection and returns a client
// config pointed at it.
func startServer(t *testing.T, handler func(conn net.Conn) error) Config {
	t.Helper()

	authority := tlstest.NewAuthority(t, t.TempDir())
	ln, err := tls.Listen("tcp", "127.0.0.1:0", authority.ServerConfig(t, net.ParseIP("127.0.0.1")))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := handler(conn); err != nil {
			t.Errorf("mock server: %v", err)
		}
	}()

	cfg := DefaultConfig()
	cfg.Addr = ln.Addr().String()
	cfg.ClientID = "desktop_client"
	cfg.ClientVersion = "10404"
	cfg.TLS.CAFile = authority.CAFile()
	return cfg
}

func readMsg(conn net.Conn) (wire.Message, error) {
	payload, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Unmarshal(payload)
}

func sendMsg(conn net.Conn, msg wire.Message) error {
	payload, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(conn, payload, frame.DefaultLimits())
}

func expectGreeting(conn net.Conn) error {
	msg, err := readMsg(conn)
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if msg.Push == nil || msg.Push.ClientVersion == nil {
		return fmt.Errorf("first message was not a client-version push: %#v", msg)
	}
	return nil
}

func expectAuthenticate(conn net.Conn, wantTicket string) (uint32, error) {
	msg, err := readMsg(conn)
	if err != nil {
		return 0, fmt.Errorf("read authenticate: %w", err)
	}
	if msg.Request == nil || msg.Request.Authenticate == nil {
		return 0, fmt.Errorf("expected authenticate request, got %#v", msg)
	}
	if msg.Request.Authenticate.Ticket != wantTicket {
		return 0, fmt.Errorf("unexpected ticket %q", msg.Request.Authenticate.Ticket)
	}
	return msg.Request.RequestID, nil
}

func expectOpenConnection(conn net.Conn, wantService string) (uint32, error) {
	msg, err := readMsg(conn)
	if err != nil {
		return 0, fmt.Errorf("read open-connection: %w", err)
	}
	if msg.Request == nil || msg.Request.OpenConnection == nil {
		return 0, fmt.Errorf("expected open-connection request, got %#v", msg)
	}
	if msg.Request.OpenConnection.ServiceName != wantService {
		return 0, fmt.Errorf("unexpected service %q", msg.Request.OpenConnection.ServiceName)
	}
	return msg.Request.RequestID, nil
}

func expectInnerQuery(conn net.Conn, wantConnectionID uint32) error {
	msg, err := readMsg(conn)
	if err != nil {
		return fmt.Errorf("read inner query: %w", err)
	}
	if msg.Push == nil || msg.Push.Data == nil {
		return fmt.Errorf("expected data push, got %#v", msg)
	}
	if msg.Push.Data.ConnectionID != wantConnectionID {
		return fmt.Errorf("query on connection %d, want %d", msg.Push.Data.ConnectionID, wantConnectionID)
	}
	inner, err := ownership.UnmarshalFramed(msg.Push.Data.Payload)
	if err != nil {
		return fmt.Errorf("decode inner query: %w", err)
	}
	if inner.Initialize == nil {
		return fmt.Errorf("inner message was not an initialize request: %#v", inner)
	}
	if !inner.Initialize.GetAssociations || inner.Initialize.ProtoVersion != 7 || inner.Initialize.UseStaging {
		return fmt.Errorf("unexpected initialize parameters: %+v", inner.Initialize)
	}
	return nil
}

func authResponse(requestID uint32, success bool) wire.Message {
	return wire.Message{Response: &wire.Response{
		RequestID:    requestID,
		Authenticate: &wire.AuthenticateResult{Success: success},
	}}
}

func openResponse(requestID, connectionID uint32, success bool) wire.Message {
	return wire.Message{Response: &wire.Response{
		RequestID:      requestID,
		OpenConnection: &wire.OpenConnectionResult{Success: success, ConnectionID: connectionID},
	}}
}

func ownershipAnswer(connectionID uint32, success bool, records ...ownership.Record) (wire.Message, error) {
	framed, err := ownership.MarshalFramed(ownership.Message{
		RequestID: 1,
		InitializeResult: &ownership.InitializeResult{
			Success:    success,
			OwnedGames: records,
		},
	})
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Message{Push: &wire.Push{
		Data: &wire.Data{ConnectionID: connectionID, Payload: framed},
	}}, nil
}

func keepAlive() wire.Message {
	return wire.Message{Push: &wire.Push{KeepAlive: &wire.KeepAlive{}}}
}

func TestFetchOwnedCanonicalSession(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		if authID != 1 {
			return fmt.Errorf("authenticate request_id=%d, want 1", authID)
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, testService)
		if err != nil {
			return err
		}
		if openID != 2 {
			return fmt.Errorf("open-connection request_id=%d, want 2", openID)
		}
		if err := sendMsg(conn, openResponse(openID, 7, true)); err != nil {
			return err
		}
		if err := expectInnerQuery(conn, 7); err != nil {
			return err
		}
		answer, err := ownershipAnswer(7, true,
			ownership.Record{ProductID: 100, ProductType: ownership.ProductTypeGame, Platform: 1},
			ownership.Record{ProductID: 200, ProductType: ownership.ProductTypeGame, Platform: 1},
		)
		if err != nil {
			return err
		}
		return sendMsg(conn, answer)
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	records, err := client.FetchOwned(context.Background(), "abc", testService)
	if err != nil {
		t.Fatalf("fetch owned: %v", err)
	}
	if len(records) != 2 || records[0].ProductID != 100 || records[1].ProductID != 200 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFetchOwnedAuthRejected(t *testing.T) {
	testlog.Start(t)
	sawMore := make(chan bool, 1)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "expired-ticket")
		if err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, false)); err != nil {
			return err
		}
		_, err = readMsg(conn)
		sawMore <- err == nil
		return nil
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchOwned(context.Background(), "expired-ticket", testService)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if <-sawMore {
		t.Fatalf("client sent another message after rejected authenticate")
	}
}

func TestFetchOwnedChannelRefused(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, "no_such_service")
		if err != nil {
			return err
		}
		return sendMsg(conn, openResponse(openID, 0, false))
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchOwned(context.Background(), "abc", "no_such_service")
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("expected ErrChannel, got %v", err)
	}
}

func TestFetchOwnedSkipsDecoyPushes(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, testService)
		if err != nil {
			return err
		}
		if err := sendMsg(conn, openResponse(openID, 7, true)); err != nil {
			return err
		}
		if err := expectInnerQuery(conn, 7); err != nil {
			return err
		}
		decoys := []wire.Message{
			keepAlive(),
			{Push: &wire.Push{Data: &wire.Data{ConnectionID: 99, Payload: []byte{0, 0, 0, 0}}}},
			{Push: &wire.Push{ConnectionClosed: &wire.ConnectionClosed{ConnectionID: 99}}},
			keepAlive(),
		}
		for _, decoy := range decoys {
			if err := sendMsg(conn, decoy); err != nil {
				return err
			}
		}
		answer, err := ownershipAnswer(7, true, ownership.Record{ProductID: 100})
		if err != nil {
			return err
		}
		return sendMsg(conn, answer)
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	records, err := client.FetchOwned(context.Background(), "abc", testService)
	if err != nil {
		t.Fatalf("fetch owned: %v", err)
	}
	if len(records) != 1 || records[0].ProductID != 100 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFetchOwnedDrainBoundExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, testService)
		if err != nil {
			return err
		}
		if err := sendMsg(conn, openResponse(openID, 7, true)); err != nil {
			return err
		}
		if err := expectInnerQuery(conn, 7); err != nil {
			return err
		}
		for i := 0; i < DefaultDrainAttempts+1; i++ {
			if err := sendMsg(conn, keepAlive()); err != nil {
				return err
			}
		}
		return nil
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchOwned(context.Background(), "abc", testService)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestFetchOwnedServiceReportedFailure(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, testService)
		if err != nil {
			return err
		}
		if err := sendMsg(conn, openResponse(openID, 7, true)); err != nil {
			return err
		}
		if err := expectInnerQuery(conn, 7); err != nil {
			return err
		}
		answer, err := ownershipAnswer(7, false)
		if err != nil {
			return err
		}
		return sendMsg(conn, answer)
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchOwned(context.Background(), "abc", testService)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestFetchOwnedIgnoresStaleAndDuplicateResponses(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		authID, err := expectAuthenticate(conn, "abc")
		if err != nil {
			return err
		}
		// A response for an id this session never issued.
		if err := sendMsg(conn, authResponse(99, false)); err != nil {
			return err
		}
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		openID, err := expectOpenConnection(conn, testService)
		if err != nil {
			return err
		}
		// A duplicate of the already-consumed authenticate response.
		if err := sendMsg(conn, authResponse(authID, true)); err != nil {
			return err
		}
		if err := sendMsg(conn, openResponse(openID, 7, true)); err != nil {
			return err
		}
		if err := expectInnerQuery(conn, 7); err != nil {
			return err
		}
		answer, err := ownershipAnswer(7, true, ownership.Record{ProductID: 100})
		if err != nil {
			return err
		}
		return sendMsg(conn, answer)
	})

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	records, err := client.FetchOwned(context.Background(), "abc", testService)
	if err != nil {
		t.Fatalf("fetch owned: %v", err)
	}
	if len(records) != 1 || records[0].ProductID != 100 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFetchOwnedReadTimeoutAbortsSession(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		if _, err := expectAuthenticate(conn, "abc"); err != nil {
			return err
		}
		// Never answer; the client's read timeout must fire.
		time.Sleep(2 * time.Second)
		return nil
	})
	cfg.ReadTimeout = 50 * time.Millisecond

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	_, err = client.FetchOwned(context.Background(), "abc", testService)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took %v, expected ~50-100ms", elapsed)
	}
}

func TestFetchOwnedCancellationClosesSocket(t *testing.T) {
	testlog.Start(t)
	cfg := startServer(t, func(conn net.Conn) error {
		if err := expectGreeting(conn); err != nil {
			return err
		}
		if _, err := expectAuthenticate(conn, "abc"); err != nil {
			return err
		}
		// Hold the response until the client gives up.
		_, _ = readMsg(conn)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	start := time.Now()
	_, err = client.FetchOwned(ctx, "abc", testService)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestFetchOwnedConnectFailure(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.ClientID = "desktop_client"
	cfg.ClientVersion = "10404"
	cfg.ConnectTimeout = 200 * time.Millisecond

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.FetchOwned(context.Background(), "abc", testService)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestFetchOwnedValidatesInputs(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:443"
	cfg.ClientID = "desktop_client"
	cfg.ClientVersion = "10404"

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.FetchOwned(context.Background(), "", testService); !errors.Is(err, ErrTicketRequired) {
		t.Fatalf("expected ErrTicketRequired, got %v", err)
	}
	if _, err := client.FetchOwned(context.Background(), "abc", " "); !errors.Is(err, ErrServiceNameRequired) {
		t.Fatalf("expected ErrServiceNameRequired, got %v", err)
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := NewClient(Config{}); !errors.Is(err, ErrAddrRequired) {
		t.Fatalf("expected ErrAddrRequired, got %v", err)
	}
	if _, err := NewClient(Config{Addr: "x:443"}); !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("expected ErrClientIDRequired, got %v", err)
	}
	if _, err := NewClient(Config{Addr: "x:443", ClientID: "c"}); !errors.Is(err, ErrClientVersionRequired) {
		t.Fatalf("expected ErrClientVersionRequired, got %v", err)
	}
}
