// Package identity resolves scanned verification codes to students.
//
// Verification itself happens elsewhere; this package only answers "who is
// this code, and are they verified" for the redemption flow.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"offer-redemption-engine/internal/cache"
	"offer-redemption-engine/internal/database"
	"offer-redemption-engine/internal/models"
)

// ErrNotFound is returned when a code does not resolve to any student.
var ErrNotFound = errors.New("identity: student not found")

// Store looks up students by the public id printed on their verification artifact.
type Store interface {
	LookupByPublicID(ctx context.Context, publicID string) (models.Student, error)
	// Invalidate drops any cached copy so the next lookup reads the source.
	Invalidate(ctx context.Context, publicID string) error
}

// NormalizeCode extracts the public id from a scanned payload. QR codes may
// carry a full verification URL; the public id is its last path segment.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexAny(code, "?#"); i >= 0 {
		code = code[:i]
	}
	code = strings.TrimRight(code, "/")
	if i := strings.LastIndex(code, "/"); i >= 0 {
		code = code[i+1:]
	}
	return code
}

// DatabaseStore reads identities straight from the transactional store.
type DatabaseStore struct {
	db database.Store
}

var _ Store = (*DatabaseStore)(nil)

func NewDatabaseStore(db database.Store) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) LookupByPublicID(ctx context.Context, publicID string) (models.Student, error) {
	publicID = NormalizeCode(publicID)
	if publicID == "" {
		return models.Student{}, ErrNotFound
	}
	student, err := s.db.GetStudentByPublicID(ctx, publicID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Student{}, ErrNotFound
	}
	return student, err
}

func (s *DatabaseStore) Invalidate(context.Context, string) error { return nil }

// Cached decorates a Store with a read-through cache. Only hits are cached,
// so a student who finishes verification is visible on the next scan.
type Cached struct {
	next  Store
	cache cache.Cache
	ttl   time.Duration
}

var _ Store = (*Cached)(nil)

func NewCached(next Store, c cache.Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, ttl: ttl}
}

func cacheKey(publicID string) string {
	return "identity:" + publicID
}

func (c *Cached) LookupByPublicID(ctx context.Context, publicID string) (models.Student, error) {
	publicID = NormalizeCode(publicID)

	var student models.Student
	err := cache.GetJSON(ctx, c.cache, cacheKey(publicID), &student)
	if err == nil {
		return student, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		log.Ctx(ctx).Warn().Err(err).Str("public_id", publicID).Msg("identity cache read failed")
	}

	student, err = c.next.LookupByPublicID(ctx, publicID)
	if err != nil {
		return models.Student{}, err
	}

	if err := cache.SetJSON(ctx, c.cache, cacheKey(publicID), student, c.ttl); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("public_id", publicID).Msg("identity cache write failed")
	}
	return student, nil
}

func (c *Cached) Invalidate(ctx context.Context, publicID string) error {
	publicID = NormalizeCode(publicID)
	if err := c.cache.Delete(ctx, cacheKey(publicID)); err != nil {
		return err
	}
	return c.next.Invalidate(ctx, publicID)
}
