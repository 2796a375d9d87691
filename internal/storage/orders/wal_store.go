package orders

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

const (
	DefaultDir = "./wal/orders"

	orderKeyPrefix      = "order_"
	walSegmentThreshold = 1000
	walMaxSegments      = 1000
	walDirPermissions   = 0o755
)

// WALStore keeps orders in memory and appends every accepted transition to a
// write-ahead log before it becomes visible. The log is replayed on open.
// It serves a single process; use PostgresStore to share orders between keepers.
//
// gowal drops the oldest segment once MaxSegments is reached, so the store
// rewrites every order (terminal ones included) as a checkpoint before the
// last checkpoint could fall out of the retained window.
type WALStore struct {
	l               *zap.Logger
	wal             *gowal.Wal
	mu              sync.RWMutex
	orders          map[string]domain.DCAOrder
	now             func() time.Time
	checkpointEvery int
	sinceCheckpoint int
}

// NewWALStore opens the order log in dir and rebuilds the order index from it.
func NewWALStore(l *zap.Logger, dir string) (*WALStore, error) {
	return openWALStore(l, dir, walSegmentThreshold, walMaxSegments)
}

func openWALStore(l *zap.Logger, dir string, segmentThreshold, maxSegments int) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "order_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init order WAL")
	}

	orders := make(map[string]domain.DCAOrder)
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, orderKeyPrefix) {
			continue
		}

		var order domain.DCAOrder
		if err := json.Unmarshal(msg.Value, &order); err != nil {
			l.Error("failed to unmarshal order record", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		if prev, ok := orders[order.ID]; ok && prev.Version > order.Version {
			continue
		}
		orders[order.ID] = order
	}

	l.Info("order store recovered from WAL", zap.String("dir", dir), zap.Int("orders", len(orders)))

	s := &WALStore{
		l:      l,
		wal:    wal,
		orders: orders,
		now:    time.Now,
		// records older than the retained segments are gone, the segment
		// being written counts as one of them
		checkpointEvery: segmentThreshold * (maxSegments - 1) / 2,
	}

	// replay cannot tell how old the surviving records are
	if len(orders) > 0 {
		if err := s.checkpointLocked(); err != nil {
			_ = wal.Close()
			return nil, err
		}
	}

	return s, nil
}

// Create stores a new active order.
func (s *WALStore) Create(ctx context.Context, order domain.DCAOrder) error {
	if err := storeContext(ctx); err != nil {
		return err
	}
	if order.ID == "" || order.Status != domain.StatusActive {
		return errors.Wrapf(domain.ErrInvalidOrder, "new order must have an id and be active, got %q/%s", order.ID, order.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return errors.Wrapf(domain.ErrConflict, "order %s already exists", order.ID)
	}
	if err := s.persistLocked(order); err != nil {
		return err
	}
	s.orders[order.ID] = order

	return nil
}

// Get returns a snapshot of one order.
func (s *WALStore) Get(ctx context.Context, id string) (domain.DCAOrder, error) {
	if err := storeContext(ctx); err != nil {
		return domain.DCAOrder{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.DCAOrder{}, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return order, nil
}

// ListActive yields active orders of the pair, oldest first. The set of
// candidates is taken when iteration starts; each order is re-read before it
// is yielded so orders that left active meanwhile are skipped.
func (s *WALStore) ListActive(ctx context.Context, pair domain.Pair) iter.Seq2[domain.DCAOrder, error] {
	return func(yield func(domain.DCAOrder, error) bool) {
		s.mu.RLock()
		candidates := make([]domain.DCAOrder, 0)
		for _, order := range s.orders {
			if order.Status == domain.StatusActive && order.Pair() == pair {
				candidates = append(candidates, order)
			}
		}
		s.mu.RUnlock()

		sortByCreation(candidates)

		for _, candidate := range candidates {
			if err := storeContext(ctx); err != nil {
				yield(domain.DCAOrder{}, err)
				return
			}

			s.mu.RLock()
			order, ok := s.orders[candidate.ID]
			s.mu.RUnlock()

			if !ok || order.Status != domain.StatusActive {
				continue
			}
			if !yield(order, nil) {
				return
			}
		}
	}
}

// ListByStatus returns all orders in the status, oldest first.
func (s *WALStore) ListByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.DCAOrder, error) {
	if err := storeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DCAOrder, 0)
	for _, order := range s.orders {
		if order.Status == status {
			out = append(out, order)
		}
	}
	sortByCreation(out)

	return out, nil
}

// TryAcquireForExecution moves the order from active to executing.
func (s *WALStore) TryAcquireForExecution(ctx context.Context, id string) (domain.DCAOrder, error) {
	order, _, err := s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		next, err := domain.Acquire(cur, s.now())
		return next, err == nil, err
	})
	return order, err
}

// RecordExecutionResult applies the outcome of the execution that owns outcome.Version.
func (s *WALStore) RecordExecutionResult(ctx context.Context, id string, outcome domain.Outcome) (domain.DCAOrder, bool, error) {
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = s.now()
	}

	return s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		return domain.ApplyOutcome(cur, outcome)
	})
}

// Cancel cancels an active order or flags an executing one.
func (s *WALStore) Cancel(ctx context.Context, id string) (domain.DCAOrder, bool, error) {
	return s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		return domain.Cancel(cur, s.now())
	})
}

// Expire moves an active order past its expiry to expired.
func (s *WALStore) Expire(ctx context.Context, id string, now time.Time) (domain.DCAOrder, bool, error) {
	return s.mutate(ctx, id, func(cur domain.DCAOrder) (domain.DCAOrder, bool, error) {
		return domain.Expire(cur, now)
	})
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// mutate runs fn on the current order under the write lock. A changed order
// is appended to the WAL first and only then replaces the in-memory copy, so a
// failed write leaves the order untouched. fn may return a changed order
// together with an error, both are honoured.
func (s *WALStore) mutate(ctx context.Context, id string,
	fn func(domain.DCAOrder) (domain.DCAOrder, bool, error)) (domain.DCAOrder, bool, error) {
	if err := storeContext(ctx); err != nil {
		return domain.DCAOrder{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[id]
	if !ok {
		return domain.DCAOrder{}, false, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}

	next, changed, err := fn(cur)
	if changed {
		if perr := s.persistLocked(next); perr != nil {
			return cur, false, perr
		}
		s.orders[id] = next
	}

	return next, changed, err
}

func (s *WALStore) persistLocked(order domain.DCAOrder) error {
	// a full checkpoint plus the writes since must fit in the retained window
	if s.sinceCheckpoint >= max(s.checkpointEvery-len(s.orders), s.checkpointEvery/4) {
		if err := s.checkpointLocked(); err != nil {
			return err
		}
	}

	if err := s.appendLocked(order); err != nil {
		return err
	}
	s.sinceCheckpoint++

	return nil
}

// checkpointLocked appends the current state of every order so replay never
// depends on records in segments gowal may prune next.
func (s *WALStore) checkpointLocked() error {
	if len(s.orders) >= s.checkpointEvery {
		s.l.Warn("order count exceeds the WAL retention window, older orders may be lost on restart",
			zap.Int("orders", len(s.orders)),
			zap.Int("window", s.checkpointEvery))
	}

	for _, order := range s.orders {
		if err := s.appendLocked(order); err != nil {
			return err
		}
	}
	s.sinceCheckpoint = 0

	s.l.Debug("order WAL checkpoint written", zap.Int("orders", len(s.orders)))
	return nil
}

func (s *WALStore) appendLocked(order domain.DCAOrder) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}

	nextIndex := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(nextIndex, orderKeyPrefix+order.ID, payload); err != nil {
		return errors.Wrapf(domain.ErrStoreUnavailable, "write order %s: %v", order.ID, err)
	}

	return nil
}

func storeContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(domain.ErrStoreUnavailable, "%v", err)
	}
	return nil
}

func sortByCreation(orders []domain.DCAOrder) {
	slices.SortFunc(orders, func(a, b domain.DCAOrder) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
