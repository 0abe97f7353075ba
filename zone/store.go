package zone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Repository loads Zone rows from their backing store. Production code
// points this at Postgres (see NewPostgresRepository); tests substitute an
// in-memory stub.
type Repository interface {
	GetAllZones(ctx context.Context) ([]*Zone, error)
}

// Store is a periodic-refresh, read-mostly cache of Zone configuration,
// grounded directly on the teacher's domain.Cache: an initial load at
// Start, a background ticker goroutine that reloads on RefreshInterval,
// and a RWMutex-guarded map swap so readers never block on a refresh in
// progress (_examples/artpromedia-email/services/smtp-server/domain/cache.go).
type Store struct {
	repo            Repository
	logger          *zap.Logger
	refreshInterval time.Duration

	mu    sync.RWMutex
	zones map[string]*Zone

	redis *redis.Client // optional: mirrors disableStarttls across processes

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// DefaultRefreshInterval matches SPEC_FULL §6's default zone-poll cadence.
const DefaultRefreshInterval = 30 * time.Second

// NewStore builds a Store. rdb may be nil, in which case disableStarttls
// stays process-local only (spec.md §5's single-process deployment shape).
func NewStore(repo Repository, logger *zap.Logger, refreshInterval time.Duration, rdb *redis.Client) *Store {
	if refreshInterval <= 0 {
		refreshInterval = DefaultRefreshInterval
	}
	return &Store{
		repo:            repo,
		logger:          logger,
		refreshInterval: refreshInterval,
		zones:           make(map[string]*Zone),
		redis:           rdb,
		stopChan:        make(chan struct{}),
	}
}

// Start performs the initial load and launches the background refresh
// goroutine. Mirrors domain.Cache.Start.
func (s *Store) Start(ctx context.Context) error {
	if err := s.RefreshAll(ctx); err != nil {
		return fmt.Errorf("zone store: initial load: %w", err)
	}
	s.wg.Add(1)
	go s.backgroundRefresh(ctx)
	return nil
}

// Stop signals the background goroutine to exit and waits for it.
func (s *Store) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Store) backgroundRefresh(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshAll(ctx); err != nil {
				s.logger.Warn("zone store: refresh failed", zap.Error(err))
			}
		}
	}
}

// RefreshAll reloads every zone and swaps the map under the write lock, so
// a reader sees either the old or the new generation in full, never a mix.
func (s *Store) RefreshAll(ctx context.Context) error {
	zones, err := s.repo.GetAllZones(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*Zone, len(zones))
	for _, z := range zones {
		if existing := s.getLocked(z.Name); existing != nil {
			z.SetDisableStarttls(existing.DisableStarttls())
		}
		next[z.Name] = z
	}

	s.mu.Lock()
	s.zones = next
	s.mu.Unlock()

	s.logger.Debug("zone store: refreshed", zap.Int("zones", len(next)))
	return nil
}

func (s *Store) getLocked(name string) *Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zones[name]
}

// Get returns the named zone, or (nil, false) if it is not configured.
func (s *Store) Get(name string) (*Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[name]
	return z, ok
}

// Names returns every configured zone name, for worker-pool startup.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.zones))
	for name := range s.zones {
		names = append(names, name)
	}
	return names
}

// MarkStarttlsDisabled flips the in-memory flag for zone and, when a Redis
// client is configured, mirrors it so sibling processes (one pod per
// egress IP, SPEC_FULL §5) observe the same hint.
func (s *Store) MarkStarttlsDisabled(ctx context.Context, zoneName string) {
	z, ok := s.Get(zoneName)
	if !ok {
		return
	}
	z.SetDisableStarttls(true)
	if s.redis == nil {
		return
	}
	key := "zone:" + zoneName + ":disable_starttls"
	if err := s.redis.Set(ctx, key, "1", 0).Err(); err != nil {
		s.logger.Warn("zone store: failed to mirror disableStarttls", zap.String("zone", zoneName), zap.Error(err))
	}
}

// SyncStarttlsFlag pulls the mirrored flag from Redis into the local Zone,
// called opportunistically before a dial attempt so a flag another process
// raised takes effect here without waiting for the next RefreshAll.
func (s *Store) SyncStarttlsFlag(ctx context.Context, zoneName string) {
	if s.redis == nil {
		return
	}
	z, ok := s.Get(zoneName)
	if !ok {
		return
	}
	key := "zone:" + zoneName + ":disable_starttls"
	v, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return
	}
	if v == "1" {
		z.SetDisableStarttls(true)
	}
}

// PostgresRepository loads zones from the `zones` table (SPEC_FULL §6).
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const selectZonesSQL = `
SELECT name, host, port, secure, disable_starttls, require_tls,
       auth_method, auth_user, auth_pass, speedometer_per_second,
       received_header_template
FROM zones`

const selectZoneAddressesSQL = `
SELECT zone_name, ip, hostname FROM zone_addresses WHERE zone_name = ANY($1)`

// GetAllZones loads every zone row plus its address pool.
func (r *PostgresRepository) GetAllZones(ctx context.Context) ([]*Zone, error) {
	rows, err := r.pool.Query(ctx, selectZonesSQL)
	if err != nil {
		return nil, fmt.Errorf("zone repository: query zones: %w", err)
	}
	defer rows.Close()

	var zones []*Zone
	names := make([]string, 0)
	for rows.Next() {
		z := &Zone{}
		var disableStarttls bool
		if err := rows.Scan(&z.Name, &z.Host, &z.Port, &z.Secure, &disableStarttls,
			&z.RequireTLS, &z.AuthMethod, &z.AuthUser, &z.AuthPass,
			&z.SpeedometerPerSecond, &z.ReceivedHeaderTemplate); err != nil {
			return nil, fmt.Errorf("zone repository: scan zone: %w", err)
		}
		z.SetDisableStarttls(disableStarttls)
		if z.ReceivedHeaderTemplate == "" {
			z.ReceivedHeaderTemplate = DefaultReceivedHeaderTemplate
		}
		zones = append(zones, z)
		names = append(names, z.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	addrRows, err := r.pool.Query(ctx, selectZoneAddressesSQL, names)
	if err != nil {
		return nil, fmt.Errorf("zone repository: query addresses: %w", err)
	}
	defer addrRows.Close()

	byName := make(map[string]*Zone, len(zones))
	for _, z := range zones {
		byName[z.Name] = z
	}
	for addrRows.Next() {
		var zoneName, ip, hostname string
		if err := addrRows.Scan(&zoneName, &ip, &hostname); err != nil {
			return nil, fmt.Errorf("zone repository: scan address: %w", err)
		}
		if z, ok := byName[zoneName]; ok {
			z.Addresses = append(z.Addresses, Address{IP: ip, Hostname: hostname})
		}
	}
	return zones, addrRows.Err()
}
