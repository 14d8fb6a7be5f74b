package common

import (
	"fmt"
	"time"

	"infinite-experiment/warden/internal/metrics"
)

const (
	muteRolePattern         = "guild:mute_role"
	verificationRolePattern = "guild:verification_role"
)

// GuildConfigCache memoises the per-guild role lookups that every member
// update would otherwise hit the store for. An empty role ID is cached too
// and means the feature is not configured for that guild.
type GuildConfigCache struct {
	cache   CacheInterface
	ttl     time.Duration
	metrics *metrics.MetricsRegistry
}

// NewGuildConfigCache wraps a cache backend. m may be nil.
func NewGuildConfigCache(cache CacheInterface, ttl time.Duration, m *metrics.MetricsRegistry) *GuildConfigCache {
	return &GuildConfigCache{cache: cache, ttl: ttl, metrics: m}
}

func muteRoleKey(guildID string) string {
	return fmt.Sprintf("guild:%s:mute_role", guildID)
}

func verificationRoleKey(guildID string) string {
	return fmt.Sprintf("guild:%s:verification_role", guildID)
}

// MuteRole returns the guild's mute role, calling load on a miss
func (g *GuildConfigCache) MuteRole(guildID string, load func() (string, error)) (string, error) {
	return g.lookup(muteRolePattern, muteRoleKey(guildID), load)
}

// VerificationRole returns the guild's member role, calling load on a miss
func (g *GuildConfigCache) VerificationRole(guildID string, load func() (string, error)) (string, error) {
	return g.lookup(verificationRolePattern, verificationRoleKey(guildID), load)
}

// InvalidateMute drops the cached mute role of a guild
func (g *GuildConfigCache) InvalidateMute(guildID string) {
	g.cache.Delete(muteRoleKey(guildID))
}

// InvalidateVerification drops the cached member role of a guild
func (g *GuildConfigCache) InvalidateVerification(guildID string) {
	g.cache.Delete(verificationRoleKey(guildID))
}

func (g *GuildConfigCache) lookup(pattern, key string, load func() (string, error)) (string, error) {
	if val, found := g.cache.Get(key); found {
		if roleID, ok := val.(string); ok {
			if g.metrics != nil {
				g.metrics.CacheHitsTotal.WithLabelValues(pattern).Inc()
			}
			return roleID, nil
		}
	}

	if g.metrics != nil {
		g.metrics.CacheMissesTotal.WithLabelValues(pattern).Inc()
	}

	roleID, err := load()
	if err != nil {
		return "", err
	}
	g.cache.Set(key, roleID, g.ttl)
	return roleID, nil
}
