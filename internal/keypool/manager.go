package keypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claude-nexus/internal/crypto"
	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/store"
)

var ErrNoUsableKey = errors.New("keypool: no usable key")

const recordPrefix = "apikey:"

// Manager is the arena of per-provider pools. Pools are created on first
// use and hydrated from the durable store; there is no hidden eviction.
type Manager struct {
	store  store.Store
	cipher *crypto.AESGCM
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewManager(st store.Store, cipher *crypto.AESGCM, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  st,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
		pools:  make(map[string]*Pool),
	}
}

func recordKey(providerID, keyID string) string {
	return recordPrefix + providerID + ":" + keyID
}

// pool returns the provider's pool, creating and hydrating it on first use.
func (m *Manager) pool(ctx context.Context, providerID, providerType string) (*Pool, error) {
	m.mu.Lock()
	p, ok := m.pools[providerID]
	if !ok {
		p = newPool(providerID, PolicyFor(providerType))
		m.pools[providerID] = p
	}
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	keys, err := m.store.List(ctx, recordPrefix+providerID+":")
	if err != nil {
		return nil, fmt.Errorf("hydrate pool %s: %w", providerID, err)
	}
	hydrated := 0
	for _, k := range keys {
		raw, found, err := m.store.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			m.logger.Warn("skipping unreadable key record", zap.String("key", k), zap.Error(err))
			continue
		}
		p.add(&rec)
		hydrated++
	}
	m.logger.Info("key pool hydrated",
		zap.String("provider_id", providerID),
		zap.String("family", p.policy.Family),
		zap.Int("keys", hydrated))
	return p, nil
}

func (m *Manager) persist(ctx context.Context, providerID string, rec *Record) {
	rec.UpdatedAt = m.now()
	raw, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("marshal key record", zap.String("key_id", rec.ID), zap.Error(err))
		return
	}
	// Last-write-wins: racing requests may overwrite each other's counter
	// bump, which is acceptable for health bookkeeping.
	if err := m.store.Put(ctx, recordKey(providerID, rec.ID), raw); err != nil {
		m.logger.Error("persist key record", zap.String("key_id", rec.ID), zap.Error(err))
	}
}

// AddKey imports one credential and returns its assigned id.
func (m *Manager) AddKey(ctx context.Context, providerID, providerType, secret string) (string, error) {
	ids, err := m.AddKeys(ctx, providerID, providerType, []string{secret})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddKeys bulk-imports credentials and returns the assigned ids in order.
func (m *Manager) AddKeys(ctx context.Context, providerID, providerType string, secrets []string) ([]string, error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" {
			return nil, gwerr.Validation("empty api key")
		}
		sealed, err := m.cipher.SealString(secret)
		if err != nil {
			return nil, fmt.Errorf("seal key secret: %w", err)
		}
		rec := &Record{
			ID:        "key_" + uuid.NewString(),
			Secret:    sealed,
			Status:    StatusActive,
			CreatedAt: m.now(),
		}
		p.add(rec)
		m.persist(ctx, providerID, rec)
		ids = append(ids, rec.ID)
	}
	m.logger.Info("keys imported",
		zap.String("provider_id", providerID),
		zap.Int("count", len(ids)))
	return ids, nil
}

// ListKeys returns the pool's records with secrets redacted.
func (m *Manager) ListKeys(ctx context.Context, providerID, providerType string) ([]Record, error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return nil, err
	}
	recs := p.snapshot()
	for i := range recs {
		recs[i].Secret = ""
	}
	return recs, nil
}

// SelectKey rotates to the next usable credential and returns it with the
// secret opened for use against the upstream.
func (m *Manager) SelectKey(ctx context.Context, providerID, providerType string) (Record, error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return Record{}, err
	}
	rec, ok := p.next(m.now())
	if !ok {
		return Record{}, ErrNoUsableKey
	}
	out := *rec
	secret, err := m.cipher.OpenString(rec.Secret)
	if err != nil {
		return Record{}, fmt.Errorf("open key secret %s: %w", rec.ID, err)
	}
	out.Secret = secret
	return out, nil
}

// HandleRequestError classifies an upstream failure and updates the key's
// health. Rate-limit and server-side failures are transient: the key rests
// through a cool-down. Auth failures are terminal: the error counter grows
// until the sweep's budget prunes the key. Status never moves back to
// active here; that takes an explicit reset.
func (m *Manager) HandleRequestError(ctx context.Context, providerID, providerType, keyID string, reqErr error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		m.logger.Error("pool lookup for error report", zap.String("provider_id", providerID), zap.Error(err))
		return
	}
	p.mu.Lock()
	rec := p.find(keyID)
	if rec == nil {
		p.mu.Unlock()
		return
	}
	status := 0
	var ge *gwerr.Error
	if errors.As(reqErr, &ge) {
		status = ge.HTTPStatus
	}
	if Transient(status) {
		rec.Status = StatusExhausted
		rec.DisabledUntil = m.now().Add(p.policy.CoolDown)
	} else {
		rec.Status = StatusError
		rec.ErrorCount++
	}
	rec.LastError = reqErr.Error()
	snapshot := *rec
	p.mu.Unlock()

	m.persist(ctx, providerID, &snapshot)
	m.logger.Warn("key health degraded",
		zap.String("provider_id", providerID),
		zap.String("key_id", keyID),
		zap.String("status", string(snapshot.Status)),
		zap.Int("error_count", snapshot.ErrorCount),
		zap.Int("http_status", status))
}

// Transient: rate limits, timeouts and server-side errors clear on their
// own; anything else (bad key, revoked key) will not.
func Transient(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// ResetExhaustedKeys reactivates exhausted keys whose cool-down elapsed and
// returns their ids. Keys still inside the window are left alone.
func (m *Manager) ResetExhaustedKeys(ctx context.Context, providerID, providerType string) ([]string, error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return nil, err
	}
	now := m.now()
	var reset []string
	p.mu.Lock()
	var changed []*Record
	for _, rec := range p.keys {
		if rec.coolDownElapsed(now) {
			rec.Status = StatusActive
			rec.DisabledUntil = time.Time{}
			rec.LastError = ""
			reset = append(reset, rec.ID)
			cp := *rec
			changed = append(changed, &cp)
		}
	}
	p.mu.Unlock()

	for _, rec := range changed {
		m.persist(ctx, providerID, rec)
	}
	if len(reset) > 0 {
		m.logger.Info("exhausted keys reset",
			zap.String("provider_id", providerID),
			zap.Strings("key_ids", reset))
	}
	return reset, nil
}

// ResetKey explicitly reactivates one key regardless of its current status.
// This is the only path from error back to active.
func (m *Manager) ResetKey(ctx context.Context, providerID, providerType, keyID string) error {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return err
	}
	p.mu.Lock()
	rec := p.find(keyID)
	if rec == nil {
		p.mu.Unlock()
		return gwerr.New(gwerr.KindValidation, fmt.Sprintf("key %q not found", keyID))
	}
	rec.Status = StatusActive
	rec.ErrorCount = 0
	rec.DisabledUntil = time.Time{}
	rec.LastError = ""
	snapshot := *rec
	p.mu.Unlock()

	m.persist(ctx, providerID, &snapshot)
	return nil
}

func (m *Manager) HealthyKeyCount(ctx context.Context, providerID, providerType string) (int, error) {
	p, err := m.pool(ctx, providerID, providerType)
	if err != nil {
		return 0, err
	}
	return p.healthyCount(m.now()), nil
}

// RemoveProvider purges the in-memory pool and every durable key record for
// the provider.
func (m *Manager) RemoveProvider(ctx context.Context, providerID string) error {
	m.mu.Lock()
	delete(m.pools, providerID)
	m.mu.Unlock()

	keys, err := m.store.List(ctx, recordPrefix+providerID+":")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	m.logger.Info("provider keys purged",
		zap.String("provider_id", providerID),
		zap.Int("count", len(keys)))
	return nil
}

// Sweep runs one maintenance pass over every hydrated pool: exhausted keys
// past cool-down go back to active, and keys whose terminal-error budget is
// spent are pruned for good.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	for providerID, p := range pools {
		if _, err := m.ResetExhaustedKeys(ctx, providerID, p.policy.Family); err != nil {
			m.logger.Error("sweep reset", zap.String("provider_id", providerID), zap.Error(err))
		}

		var pruned []string
		p.mu.Lock()
		for _, rec := range p.keys {
			if rec.Status == StatusError && rec.ErrorCount >= p.policy.TerminalBudget {
				pruned = append(pruned, rec.ID)
			}
		}
		p.mu.Unlock()

		for _, keyID := range pruned {
			p.remove(keyID)
			if err := m.store.Delete(ctx, recordKey(providerID, keyID)); err != nil {
				m.logger.Error("sweep prune", zap.String("key_id", keyID), zap.Error(err))
			}
		}
		if len(pruned) > 0 {
			m.logger.Info("terminal keys pruned",
				zap.String("provider_id", providerID),
				zap.Strings("key_ids", pruned))
		}
	}
}

// Run executes the maintenance sweep on a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
