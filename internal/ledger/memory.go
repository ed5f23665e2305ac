package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"algonline/internal/core"
	apperrors "algonline/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. Used by tests and the memory
// database driver.
type MemoryStore struct {
	mu         sync.RWMutex
	algorithms map[string]core.Algorithm
	history    map[string][]core.LedgerEntry
	users      map[string][2]string // session token -> api key, secret
	notify     *dispatcher
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		algorithms: make(map[string]core.Algorithm),
		history:    make(map[string][]core.LedgerEntry),
		users:      make(map[string][2]string),
		notify:     newDispatcher(),
	}
}

// AddUser registers a session token with exchange credentials.
func (s *MemoryStore) AddUser(sessionToken, apiKey, apiSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[sessionToken] = [2]string{apiKey, apiSecret}
}

func (s *MemoryStore) InsertAlgorithm(ctx context.Context, algo core.Algorithm) error {
	if !core.ValidKlineInterval(algo.Interval) {
		return apperrors.Algorithm("invalid interval: %s", algo.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.algorithms[algo.ID]; exists {
		return apperrors.Database("algorithm %s already exists", algo.ID)
	}
	s.algorithms[algo.ID] = algo
	return nil
}

func (s *MemoryStore) GetAlgorithm(ctx context.Context, id string) (core.Algorithm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	algo, ok := s.algorithms[id]
	if !ok {
		return core.Algorithm{}, apperrors.Database("algorithm %s not found", id)
	}
	return algo, nil
}

func (s *MemoryStore) DeleteAlgorithm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.algorithms, id)
	delete(s.history, id)
	return nil
}

func (s *MemoryStore) ListAlgorithmIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.algorithms))
	for id := range s.algorithms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CurrentFunds(ctx context.Context, id string) (core.FundView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	algo, ok := s.algorithms[id]
	if !ok {
		return core.FundView{}, apperrors.Database("algorithm %s not found", id)
	}
	view := core.FundView{Quote: algo.StartFunds, Base: decimal.Zero}
	for _, e := range s.history[id] {
		view.Quote = view.Quote.Add(e.DeltaQuote)
		view.Base = view.Base.Add(e.DeltaBase)
	}
	return view, nil
}

func (s *MemoryStore) AppendEntry(ctx context.Context, entry core.LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	if _, ok := s.algorithms[entry.AlgorithmID]; !ok {
		s.mu.Unlock()
		return apperrors.Database("algorithm %s not found", entry.AlgorithmID)
	}
	s.history[entry.AlgorithmID] = append(s.history[entry.AlgorithmID], entry)
	s.mu.Unlock()

	s.notify.publish(notificationFor(entry))
	return nil
}

func (s *MemoryStore) Chart(ctx context.Context, id string, interval core.ChartInterval) ([]core.ChartPoint, error) {
	s.mu.RLock()
	algo, ok := s.algorithms[id]
	if !ok {
		s.mu.RUnlock()
		return nil, apperrors.Database("algorithm %s not found", id)
	}
	raw := make([]chartRow, 0, len(s.history[id]))
	for _, e := range s.history[id] {
		raw = append(raw, chartRow{
			createdAt:  e.CreatedAt,
			deltaBase:  e.DeltaBase,
			deltaQuote: e.DeltaQuote,
			price:      e.Price,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].createdAt.Before(raw[j].createdAt) })
	return buildChart(algo.StartFunds, raw, interval), nil
}

func (s *MemoryStore) HistoryPage(ctx context.Context, id string, before time.Time, limit int) ([]core.LedgerEntry, error) {
	s.mu.RLock()
	var page []core.LedgerEntry
	for _, e := range s.history[id] {
		if e.Action != core.ActionNone && e.CreatedAt.Before(before) {
			page = append(page, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(page, func(i, j int) bool { return page[i].CreatedAt.After(page[j].CreatedAt) })
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (s *MemoryStore) Reset(ctx context.Context, id string, startFunds decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	algo, ok := s.algorithms[id]
	if !ok {
		return apperrors.Database("algorithm %s not found", id)
	}
	algo.StartFunds = startFunds
	s.algorithms[id] = algo
	delete(s.history, id)
	return nil
}

func (s *MemoryStore) InsertAnchors(ctx context.Context, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	anchors := make([]core.LedgerEntry, 0, len(s.algorithms))
	for id := range s.algorithms {
		anchors = append(anchors, core.LedgerEntry{
			AlgorithmID: id,
			DeltaBase:   decimal.Zero,
			DeltaQuote:  decimal.Zero,
			Price:       price,
			CreatedAt:   at.UTC(),
		})
	}
	for _, a := range anchors {
		s.history[a.AlgorithmID] = append(s.history[a.AlgorithmID], a)
	}
	s.mu.Unlock()

	for _, a := range anchors {
		s.notify.publish(notificationFor(a))
	}
	return nil
}

func (s *MemoryStore) UserKeysBySession(ctx context.Context, sessionToken string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.users[sessionToken]
	if !ok {
		return "", "", apperrors.Auth("unknown session token")
	}
	return keys[0], keys[1], nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, algorithmID string) (<-chan Notification, func(), error) {
	ch, cancel := s.notify.subscribe(algorithmID)
	return ch, cancel, nil
}

func (s *MemoryStore) Close() error {
	s.notify.closeAll()
	return nil
}
