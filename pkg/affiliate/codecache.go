package affiliate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jordanlanch/courseplatform/pkg/cache"
	"github.com/jordanlanch/courseplatform/pkg/models"
)

const codeKeyPrefix = "affiliates:code:"

// codeEntry is the part of an affiliate a code lookup serves from cache
type codeEntry struct {
	ID             uint   `json:"id"`
	Code           string `json:"code"`
	CommissionRate int    `json:"commission_rate"`
	DiscountRate   int    `json:"discount_rate"`
}

// WithCodeCache serves active code lookups from Redis for ttl. Deactivation
// and discount changes evict the entry.
func (s *Service) WithCodeCache(c *cache.Client, ttl time.Duration) *Service {
	s.codes = c
	s.codeTTL = ttl
	return s
}

func (s *Service) cachedCode(ctx context.Context, code string) *models.Affiliate {
	if s.codes == nil {
		return nil
	}

	raw, err := s.codes.Get(ctx, codeKeyPrefix+code)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("affiliate code cache read failed", "code", code, "error", err)
		}
		return nil
	}

	var entry codeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		s.log.Warn("discarding malformed affiliate code cache entry", "code", code, "error", err)
		return nil
	}
	return &models.Affiliate{
		ID:             entry.ID,
		Code:           entry.Code,
		CommissionRate: entry.CommissionRate,
		DiscountRate:   entry.DiscountRate,
		IsActive:       true,
	}
}

func (s *Service) cacheCode(ctx context.Context, aff *models.Affiliate) {
	if s.codes == nil {
		return
	}

	raw, err := json.Marshal(codeEntry{
		ID:             aff.ID,
		Code:           aff.Code,
		CommissionRate: aff.CommissionRate,
		DiscountRate:   aff.DiscountRate,
	})
	if err != nil {
		return
	}
	if err := s.codes.Set(ctx, codeKeyPrefix+aff.Code, raw, s.codeTTL); err != nil {
		s.log.Warn("affiliate code cache write failed", "code", aff.Code, "error", err)
	}
}

func (s *Service) forgetCode(ctx context.Context, code string) {
	if s.codes == nil {
		return
	}
	if err := s.codes.Delete(ctx, codeKeyPrefix+code); err != nil {
		s.log.Warn("affiliate code cache eviction failed", "code", code, "error", err)
	}
}
