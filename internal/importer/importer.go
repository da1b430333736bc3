// Package importer is the collaborator on top of the demux session client:
// it owns retry policy, result caching, and multi-account fan-out. The
// session layer below it never retries; a failed session is torn down and a
// fresh one is dialed here.
package importer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dmkre/gamestack/internal/demux/ownership"
	"github.com/dmkre/gamestack/internal/demux/session"
)

// DefaultServiceName is the storefront service that answers ownership queries.
const DefaultServiceName = "ownership_service"

var (
	ErrAccountIDRequired = errors.New("importer: account id required")
	ErrTicketRequired    = errors.New("importer: account ticket required")
)

// Fetcher runs one single-use session and returns the owned product records.
type Fetcher interface {
	FetchOwned(ctx context.Context, ticket, serviceName string) ([]ownership.Record, error)
}

// Account identifies one user import: a stable id for caching and log
// correlation, and the opaque session ticket supplied by the auth flow.
type Account struct {
	ID     string
	Ticket string
}

func (a Account) validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrAccountIDRequired
	}
	if strings.TrimSpace(a.Ticket) == "" {
		return ErrTicketRequired
	}
	return nil
}

type Config struct {
	Session     session.Config
	ServiceName string

	// MaxAttempts bounds whole-session retries per account. Auth rejections
	// are never retried; the ticket will not get better on its own.
	MaxAttempts int
	Backoff     BackoffConfig

	// CacheTTL keeps successful results warm so repeated imports within the
	// window skip the storefront entirely. Zero disables caching.
	CacheTTL time.Duration

	// Concurrency bounds how many accounts ImportAll works at once.
	Concurrency int

	// GamesOnly drops non-game product records; DropExpired drops records
	// whose hold on the product has lapsed.
	GamesOnly   bool
	DropExpired bool
}

func DefaultConfig() Config {
	return Config{
		Session:     session.DefaultConfig(),
		ServiceName: DefaultServiceName,
		MaxAttempts: 3,
		Backoff:     DefaultBackoffConfig(),
		CacheTTL:    15 * time.Minute,
		Concurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = def.ServiceName
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}

type Importer struct {
	cfg   Config
	fetch Fetcher
	cache *gocache.Cache
	log   zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) (*Importer, error) {
	cfg = cfg.withDefaults()
	client, err := session.NewClient(cfg.Session)
	if err != nil {
		return nil, err
	}
	return newWithFetcher(cfg, client), nil
}

func newWithFetcher(cfg Config, fetch Fetcher) *Importer {
	im := &Importer{
		cfg:   cfg,
		fetch: fetch,
		log:   log.With().Str("component", "importer").Logger(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.CacheTTL > 0 {
		im.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return im
}

// Import fetches the owned product records for one account, retrying failed
// sessions with backoff. Results are cached by account id.
func (im *Importer) Import(ctx context.Context, acct Account) ([]ownership.Record, error) {
	if err := acct.validate(); err != nil {
		return nil, err
	}
	if records, ok := im.cached(acct.ID); ok {
		return records, nil
	}

	jobID := uuid.NewString()
	logger := im.log.With().Str("job_id", jobID).Str("account", acct.ID).Logger()

	var lastErr error
	for attempt := 1; attempt <= im.cfg.MaxAttempts; attempt++ {
		records, err := im.fetch.FetchOwned(ctx, acct.Ticket, im.cfg.ServiceName)
		if err == nil {
			records = im.filter(records)
			im.store(acct.ID, records)
			logger.Info().Int("attempt", attempt).Int("records", len(records)).Msg("import complete")
			return records, nil
		}
		lastErr = err
		if errors.Is(err, session.ErrAuth) || ctx.Err() != nil {
			return nil, err
		}
		logger.Warn().Int("attempt", attempt).Err(err).Msg("import session failed")
		if attempt == im.cfg.MaxAttempts {
			break
		}
		if err := im.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("importer: %d attempts failed: %w", im.cfg.MaxAttempts, lastErr)
}

// ImportAll imports every account with bounded concurrency. Sessions share
// nothing, so they are safe to run in parallel; the first hard failure
// cancels the remainder.
func (im *Importer) ImportAll(ctx context.Context, accounts []Account) (map[string][]ownership.Record, error) {
	results := make(map[string][]ownership.Record, len(accounts))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Concurrency)
	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			records, err := im.Import(ctx, acct)
			if err != nil {
				return fmt.Errorf("account %s: %w", acct.ID, err)
			}
			mu.Lock()
			results[acct.ID] = records
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (im *Importer) filter(records []ownership.Record) []ownership.Record {
	if !im.cfg.GamesOnly && !im.cfg.DropExpired {
		return records
	}
	out := make([]ownership.Record, 0, len(records))
	for _, r := range records {
		if im.cfg.GamesOnly && !r.IsGame() {
			continue
		}
		if im.cfg.DropExpired && r.Expired() {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (im *Importer) cached(accountID string) ([]ownership.Record, bool) {
	if im.cache == nil {
		return nil, false
	}
	v, ok := im.cache.Get(accountID)
	if !ok {
		return nil, false
	}
	records := v.([]ownership.Record)
	out := make([]ownership.Record, len(records))
	copy(out, records)
	return out, true
}

func (im *Importer) store(accountID string, records []ownership.Record) {
	if im.cache == nil {
		return
	}
	im.cache.Set(accountID, records, gocache.DefaultExpiration)
}

func (im *Importer) sleepBackoff(ctx context.Context, attempt int) error {
	im.mu.Lock()
	delay := NextBackoffDelay(im.cfg.Backoff, attempt, im.rng)
	im.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
