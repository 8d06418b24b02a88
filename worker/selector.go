package worker

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/overlord/config"
)

// Tier is an abstract worker category used to route tasks.
type Tier string

// Worker tiers.
const (
	TierLocal      Tier = "local"
	TierCloudFast  Tier = "cloud-fast"
	TierCloudHeavy Tier = "cloud-heavy"
)

// tierKeywords routes on task text, first hit wins.
var tierKeywords = []struct {
	keywords []string
	tier     Tier
}{
	{[]string{"format", "lint", "boilerplate"}, TierLocal},
	{[]string{"review"}, TierCloudFast},
	{[]string{"architecture", "planning"}, TierCloudHeavy},
}

// InferTier picks a tier from the task text and complexity.
// Keyword match wins; otherwise complexity decides: low -> local,
// high -> cloud-heavy, anything else -> cloud-fast.
func InferTier(text, complexity string) Tier {
	lower := strings.ToLower(text)
	for _, entry := range tierKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.tier
			}
		}
	}

	switch strings.ToLower(complexity) {
	case "low":
		return TierLocal
	case "high":
		return TierCloudHeavy
	default:
		return TierCloudFast
	}
}

// tierPreference maps a tier to its preferred worker name.
var tierPreference = map[Tier]string{
	TierLocal:      "local",
	TierCloudFast:  "gemini",
	TierCloudHeavy: "claude",
}

// fallbackOrder is tried when the preferred worker is unavailable.
var fallbackOrder = []string{"claude", "gemini", "local"}

// Selector resolves tiers and names to available workers.
type Selector struct {
	workers map[string]Worker
	logger  *slog.Logger
}

// NewSelector builds a selector over the given workers.
func NewSelector(workers []Worker, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Worker, len(workers))
	for _, w := range workers {
		m[w.Name()] = w
	}
	return &Selector{workers: m, logger: logger}
}

// NewSelectorFromConfig builds workers from the workers config section.
// A worker with a binary path becomes a subprocess worker; one with an
// endpoint becomes an HTTP worker; one with only a credential becomes
// an SDK worker.
func NewSelectorFromConfig(cfg map[string]config.WorkerConfig, logger *slog.Logger) *Selector {
	var workers []Worker
	for name, wc := range cfg {
		if !wc.Enabled {
			continue
		}
		switch {
		case wc.BinaryPath != "":
			workers = append(workers, NewSubprocess(name, wc, logger))
		case wc.Endpoint != "":
			workers = append(workers, NewHTTP(name, wc, logger))
		case wc.ResolveAPIKey() != "":
			workers = append(workers, NewSDK(name, wc, logger))
		}
	}
	return NewSelector(workers, logger)
}

// Get returns a worker by name.
func (s *Selector) Get(name string) (Worker, bool) {
	w, ok := s.workers[name]
	return w, ok
}

// Names returns the registered worker names.
func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	return names
}

// SelectByName resolves an explicitly requested worker, requiring it
// to be available.
func (s *Selector) SelectByName(name string) (Worker, error) {
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: worker %s is not configured", ErrUnavailable, name)
	}
	if !w.Available() {
		return nil, fmt.Errorf("%w: worker %s is not available", ErrUnavailable, name)
	}
	return w, nil
}

// Select resolves a tier to its preferred worker, falling back through
// the fixed order to the first available worker.
func (s *Selector) Select(tier Tier) (Worker, error) {
	if preferred, ok := tierPreference[tier]; ok {
		if w, ok := s.workers[preferred]; ok && w.Available() {
			return w, nil
		}
	}

	for _, name := range fallbackOrder {
		if w, ok := s.workers[name]; ok && w.Available() {
			s.logger.Debug("Falling back to worker", "worker", name, "tier", string(tier))
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: tier %s has no available worker", ErrUnavailable, tier)
}

// SelectReviewer picks an available worker different from the
// executor when one exists; otherwise the executor reviews itself.
func (s *Selector) SelectReviewer(executorName string) (Worker, error) {
	for _, name := range fallbackOrder {
		if name == executorName {
			continue
		}
		if w, ok := s.workers[name]; ok && w.Available() {
			return w, nil
		}
	}
	// Fall back to the executor itself rather than skipping review.
	if w, ok := s.workers[executorName]; ok && w.Available() {
		return w, nil
	}
	return nil, fmt.Errorf("%w: no reviewer available", ErrUnavailable)
}
