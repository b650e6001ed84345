package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/carecache/internal/models"
)

// Lease is an advisory, expiring lock shared between processes.
type Lease interface {
	// Acquire takes name for owner until ttl elapses. It returns false when
	// another owner holds an unexpired lease.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, name, owner string) error
}

// DatabaseLease stores leases as rows in the cache database.
type DatabaseLease struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseLease constructs a database-backed Lease. The replay_leases table
// is created by the store migration.
func NewDatabaseLease(db *gorm.DB) *DatabaseLease {
	if db == nil {
		return nil
	}
	return &DatabaseLease{db: db, now: time.Now}
}

// Acquire implements Lease.
func (l *DatabaseLease) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, errors.New("cache: lease store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	now := l.now().UTC()
	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lease models.ReplayLease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&lease, "name = ?", name).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			acquired = true
			return tx.Create(&models.ReplayLease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}).Error
		}
		if err != nil {
			return err
		}
		if lease.Owner != owner && lease.ExpiresAt.After(now) {
			return nil
		}

		acquired = true
		return tx.Model(&models.ReplayLease{}).
			Where("name = ?", name).
			Updates(map[string]any{"owner": owner, "expires_at": now.Add(ttl)}).Error
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release implements Lease.
func (l *DatabaseLease) Release(ctx context.Context, name, owner string) error {
	if l == nil {
		return errors.New("cache: lease store not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return l.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&models.ReplayLease{}).Error
}

// LocalLease is an in-process Lease for single-process deployments and tests.
type LocalLease struct {
	mu     sync.Mutex
	owners map[string]localHold
	now    func() time.Time
}

type localHold struct {
	owner   string
	expires time.Time
}

// NewLocalLease returns an empty in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{owners: map[string]localHold{}, now: time.Now}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if hold, ok := l.owners[name]; ok && hold.owner != owner && hold.expires.After(now) {
		return false, nil
	}
	l.owners[name] = localHold{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release implements Lease.
func (l *LocalLease) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hold, ok := l.owners[name]; ok && hold.owner == owner {
		delete(l.owners, name)
	}
	return nil
}
