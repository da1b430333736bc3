package session

import (
	"errors"
	"strings"
	"time"

	"github.com/dmkre/gamestack/internal/demux/frame"
)

var (
	ErrAddrRequired          = errors.New("session: storefront address required")
	ErrClientIDRequired      = errors.New("session: client id required")
	ErrClientVersionRequired = errors.New("session: client version required")
)

// TLSConfig holds client-side transport security settings. The demux
// endpoint only speaks TLS; there is no plaintext mode.
type TLSConfig struct {
	// ServerName overrides the SNI/verification name; defaults to the
	// host part of Addr.
	ServerName string
	// CAFile points at a PEM bundle to verify the server against instead
	// of the system roots.
	CAFile string
	// InsecureSkipVerify disables certificate verification. Test use only.
	InsecureSkipVerify bool
}

// Config carries the tunables for one session.
type Config struct {
	// Addr is the storefront demux endpoint, host:port.
	Addr string
	// ClientID identifies this client to the authenticate call.
	ClientID string
	// ClientVersion is announced in the greeting push. The remote rejects
	// requests from connections that never announced one.
	ClientVersion string

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout bounds every single socket read; exceeding it aborts the
	// whole session, not just the pending read.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DrainAttempts bounds how many outer messages are read while waiting
	// for the service's data push. There is no protocol-level guarantee
	// behind the default; raise it if heavy keep-alive traffic causes
	// spurious failures.
	DrainAttempts int

	Limits frame.Limits
	TLS    TLSConfig
}

// DefaultDrainAttempts bounds the push drain loop unless configured.
const DefaultDrainAttempts = 5

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		DrainAttempts:    DefaultDrainAttempts,
		Limits:           frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued tunables from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DrainAttempts <= 0 {
		c.DrainAttempts = def.DrainAttempts
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddrRequired
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return ErrClientIDRequired
	}
	if strings.TrimSpace(c.ClientVersion) == "" {
		return ErrClientVersionRequired
	}
	return nil
}
