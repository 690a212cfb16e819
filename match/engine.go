package match

import "sync"

// Engine tracks the match rules registered by every connected peer
// and answers, for a routed message, which peers should receive it.
// Rules are additive, keyed per subscriber, and torn down when the
// subscribing peer disconnects.
//
// Rules are keyed by their raw match string, which is also how
// RemoveMatch identifies the rule to drop. Adding the same string
// twice is idempotent.
type Engine struct {
	mu    sync.Mutex
	rules map[string]map[string]Rule // unique name -> raw string -> rule
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{rules: map[string]map[string]Rule{}}
}

// Add registers rule on behalf of subscriber.
func (e *Engine) Add(subscriber string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.rules[subscriber]
	if !ok {
		set = map[string]Rule{}
		e.rules[subscriber] = set
	}
	set[rule.raw] = rule
}

// Remove removes the rule with the given raw string registered by
// subscriber. It returns false if no matching rule was found,
// mirroring RemoveMatch's org.freedesktop.DBus.Error.MatchRuleNotFound
// error.
func (e *Engine) Remove(subscriber string, raw string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.rules[subscriber]
	if !ok {
		return false
	}
	if _, ok := set[raw]; !ok {
		return false
	}
	delete(set, raw)
	if len(set) == 0 {
		delete(e.rules, subscriber)
	}
	return true
}

// RemoveAll drops every rule registered by subscriber, used when a
// peer disconnects.
func (e *Engine) RemoveAll(subscriber string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, subscriber)
}

// MatchingPeers returns the unique names of every subscriber with at
// least one rule that matches msg.
func (e *Engine) MatchingPeers(msg RoutedMessage) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for subscriber, set := range e.rules {
		for _, rule := range set {
			if Matches(rule, msg) {
				out = append(out, subscriber)
				break
			}
		}
	}
	return out
}

// HasRules reports whether subscriber has registered any rules. The
// router uses this for the compatibility fallback that broadcasts
// signals to rule-less peers.
func (e *Engine) HasRules(subscriber string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules[subscriber]) > 0
}

// RuleCount returns the number of rules registered by subscriber, for
// diagnostics.
func (e *Engine) RuleCount(subscriber string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules[subscriber])
}
