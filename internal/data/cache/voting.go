package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
)

// PriceKey builds the current-price key for a feed: "price:{category}:{name}"
func PriceKey(id feed.ID) string {
	return "price:" + id.Key()
}

// VotingRoundKey builds the voting-round key: "voting:{round}:{category}:{name}"
func VotingRoundKey(round int64, id feed.ID) string {
	return fmt.Sprintf("voting:%d:%s", round, id.Key())
}

// SetPrice stores the current price for a feed at the configured max
// TTL, then invalidates that feed's voting-round entries. Both happen
// under one critical section so readers see the new price and the
// cleared rounds together.
func (c *RealTimeCache) SetPrice(id feed.ID, entry feed.AggregatedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(PriceKey(id), entry, c.cfg.MaxTTL)
	c.invalidateVotingLocked(id)
}

// GetPrice reads the current price for a feed
func (c *RealTimeCache) GetPrice(id feed.ID) (feed.AggregatedPrice, bool) {
	return c.Get(PriceKey(id))
}

// SetForVotingRound stores an entry under the voting keyspace for the
// given round, stamping the round onto the entry. Voting entries clamp
// against VotingTTL, not MaxTTL: the round is settled, so the real-time
// freshness bound does not apply.
func (c *RealTimeCache) SetForVotingRound(id feed.ID, round int64, entry feed.AggregatedPrice, ttl time.Duration) {
	entry.VotingRound = round
	if ttl > c.cfg.VotingTTL {
		ttl = c.cfg.VotingTTL
	}
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(VotingRoundKey(round, id), entry, ttl)
}

// GetForVotingRound reads the entry stored for (feed, round)
func (c *RealTimeCache) GetForVotingRound(id feed.ID, round int64) (feed.AggregatedPrice, bool) {
	return c.Get(VotingRoundKey(round, id))
}

// InvalidateOnPriceUpdate removes every voting-round entry for the
// feed. The current-price key is left to expire naturally.
func (c *RealTimeCache) InvalidateOnPriceUpdate(id feed.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateVotingLocked(id)
}

func (c *RealTimeCache) invalidateVotingLocked(id feed.ID) {
	suffix := ":" + id.Key()
	for key, it := range c.entries {
		if strings.HasPrefix(key, "voting:") && strings.HasSuffix(key, suffix) {
			c.removeLocked(key, it)
		}
	}
}
