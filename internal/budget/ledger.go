// Package budget gates AI spending against a per-subject daily allowance.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger tracks cents spent on AI calls per subject per UTC day. The key
// rolls over at midnight UTC, so consumption is monotonic within a day
// and resets at a fixed boundary. Reservation is a single Lua script:
// concurrent batches cannot over-reserve between check and increment.
type Ledger struct {
	client *redis.Client
	now    func() time.Time
	ttl    time.Duration
}

// NewLedger builds a ledger over the given Redis client.
func NewLedger(client *redis.Client) *Ledger {
	return &Ledger{
		client: client,
		now:    time.Now,
		ttl:    48 * time.Hour,
	}
}

// WithClock injects a time source for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) key(subjectID string) string {
	return fmt.Sprintf("budget:%s:%s", subjectID, l.now().UTC().Format("2006-01-02"))
}

// Reserve atomically charges for up to requested AI calls at costPerCall
// cents each against the remaining daily budget, and returns how many
// calls were granted. Excess requests are trimmed, never errored: the
// caller demotes the remainder to rule-only scoring.
func (l *Ledger) Reserve(ctx context.Context, subjectID string, requested, costPerCall, budgetCents int) (int, error) {
	if requested <= 0 || costPerCall <= 0 || budgetCents <= 0 {
		return 0, nil
	}
	res, err := reserveScript.Run(ctx, l.client, []string{l.key(subjectID)},
		budgetCents, costPerCall, requested, l.ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve budget: %w", err)
	}
	granted, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type from reserve script: %T", res)
	}
	return int(granted), nil
}

// Spent returns the cents consumed so far today for a subject.
func (l *Ledger) Spent(ctx context.Context, subjectID string) (int, error) {
	v, err := l.client.Get(ctx, l.key(subjectID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read budget: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse budget value %q: %w", v, err)
	}
	return n, nil
}

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local budget = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local spent = tonumber(redis.call('GET', key) or '0')
local remaining = budget - spent
if remaining < cost then
  return 0
end

local affordable = math.floor(remaining / cost)
local granted = math.min(requested, affordable)
redis.call('INCRBY', key, granted * cost)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return granted
`)
