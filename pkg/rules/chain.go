package rules

import (
	"errors"

	"github.com/teslashibe/go-follow/pkg/debug"
	"github.com/teslashibe/go-follow/pkg/detection"
	"github.com/teslashibe/go-follow/pkg/setpoint"
)

// Chain evaluates rules in priority order. Not safe for concurrent use.
type Chain struct {
	rules []Rule
}

// NewChain builds a chain from rules in priority order, highest first. The
// last rule must be a NoDetection so selection always succeeds.
func NewChain(rules ...Rule) (*Chain, error) {
	if len(rules) == 0 {
		return nil, errors.New("rules: empty chain")
	}
	if _, ok := rules[len(rules)-1].(*NoDetection); !ok {
		return nil, errors.New("rules: chain must end with the no-detection fallback")
	}
	return &Chain{rules: rules}, nil
}

// DefaultChain returns Backoff, Follow, Search, NoDetection.
func DefaultChain(cfg Config) *Chain {
	c, _ := NewChain(
		NewBackoff(cfg),
		NewFollow(cfg),
		NewSearch(cfg),
		NewNoDetection(),
	)
	return c
}

// Tick updates every rule with the closest detection, then returns the first
// active rule and its target.
func (c *Chain) Tick(closest *detection.Detection) (Rule, setpoint.Target) {
	for _, r := range c.rules {
		r.Update(closest)
	}

	for _, r := range c.rules {
		if r.IsActive() {
			t := r.State()
			debug.RuleLog("rule=%s offset=(%.2f, %.2f) yaw=%s %.2f\n",
				r.Name(), t.Offset.North, t.Offset.East, t.Yaw.Kind, t.Yaw.Value)
			return r, t
		}
	}

	// Unreachable: the last rule is always active.
	last := c.rules[len(c.rules)-1]
	return last, last.State()
}

// Reset resets every rule.
func (c *Chain) Reset() {
	for _, r := range c.rules {
		r.Reset()
	}
}

// Names returns rule names in priority order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.rules))
	for i, r := range c.rules {
		names[i] = r.Name()
	}
	return names
}
