package analysis

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/kvcache"
)

const infoCacheKey = "analysis:service_info"

// CachedInfo serves the info probe from Redis, refreshing from the service
// when the entry expires. Cache errors degrade to a direct call.
type CachedInfo struct {
	source InfoSource
	kv     kvcache.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedInfo wraps source with a cache entry living for ttl.
func NewCachedInfo(source InfoSource, kv kvcache.Store, ttl time.Duration, logger *zap.Logger) *CachedInfo {
	return &CachedInfo{source: source, kv: kv, ttl: ttl, logger: logger.Named("info_cache")}
}

// Info implements InfoSource.
func (c *CachedInfo) Info(ctx context.Context) (*ServiceInfo, error) {
	cached, err := c.kv.Get(ctx, infoCacheKey)
	if err == nil {
		var info ServiceInfo
		if jsonErr := json.Unmarshal([]byte(cached), &info); jsonErr == nil {
			return &info, nil
		}
		c.logger.Warn("discarding undecodable cached service info")
	} else if !kvcache.IsMiss(err) {
		c.logger.Warn("service info cache read failed", zap.Error(err))
	}

	info, err := c.source.Info(ctx)
	if err != nil {
		return nil, err
	}

	if serialized, err := json.Marshal(info); err == nil {
		if err := c.kv.Set(ctx, infoCacheKey, string(serialized), c.ttl); err != nil {
			c.logger.Warn("service info cache write failed", zap.Error(err))
		}
	}
	return info, nil
}
