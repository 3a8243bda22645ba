package authz

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Gate answers whether a user may join a room. Implementations must be cheap
// to call on every join.
type Gate interface {
	IsMember(ctx context.Context, userID, resourceID string) (bool, error)
}

// Membership is a read-only view of the platform's membership rows. The CRUD
// side owns writes; the gateway only checks existence.
type Membership struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"index:idx_memberships_user_resource,priority:1"`
	ResourceID   string `gorm:"index:idx_memberships_user_resource,priority:2"`
	ResourceType string
}

func (Membership) TableName() string {
	return "memberships"
}

// GormGate checks membership against the platform database.
type GormGate struct {
	db *gorm.DB
}

func NewGormGate(db *gorm.DB) *GormGate {
	return &GormGate{db: db}
}

func (g *GormGate) IsMember(ctx context.Context, userID, resourceID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&Membership{}).
		Where("user_id = ? AND resource_id = ?", userID, resourceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type cacheEntry struct {
	member    bool
	expiresAt time.Time
}

// CachedGate memoizes gate decisions for a short TTL so repeated joins do not
// hit the database.
type CachedGate struct {
	next Gate
	ttl  time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCachedGate(next Gate, ttl time.Duration) *CachedGate {
	return &CachedGate{
		next:    next,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *CachedGate) IsMember(ctx context.Context, userID, resourceID string) (bool, error) {
	key := userID + ":" + resourceID

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.member, nil
	}
	c.mu.Unlock()

	member, err := c.next.IsMember(ctx, userID, resourceID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{member: member, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return member, nil
}
