// Package registry provides the distribution-target registry. The static
// implementation loads a fixed target set from a JSON file, which suits
// deployments where the set of (receiver, asset) pairs changes through config
// rollouts rather than at runtime.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/malbeclabs/drip/pkg/distributor"
)

// Target is one (receiver, asset) registry entry.
type Target struct {
	Receiver     string    `json:"receiver"`
	Asset        string    `json:"asset"`
	Distributor  string    `json:"distributor"`
	PeriodFinish time.Time `json:"period_finish"`

	// Inactive pairs stay in the file for bookkeeping but are not
	// recognized distribution targets; their pending funds are only
	// reachable through recovery.
	Inactive bool `json:"inactive,omitempty"`
}

type targetFile struct {
	Targets []Target `json:"targets"`
}

type pair struct {
	receiver, asset string
}

type StaticConfig struct {
	Logger *slog.Logger
	Path   string
}

func (cfg *StaticConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// Static is a file-backed registry. Reload swaps the target set atomically,
// so it can be wired to SIGHUP.
type Static struct {
	log  *slog.Logger
	path string

	mu      sync.RWMutex
	targets map[pair]Target
}

func NewStatic(cfg StaticConfig) (*Static, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Static{log: cfg.Logger, path: cfg.Path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the target file and replaces the in-memory set.
func (s *Static) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}
	var file targetFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	targets := make(map[pair]Target, len(file.Targets))
	for _, t := range file.Targets {
		if t.Receiver == "" || t.Asset == "" {
			return fmt.Errorf("registry entry missing receiver or asset: %+v", t)
		}
		targets[pair{t.Receiver, t.Asset}] = t
	}

	s.mu.Lock()
	s.targets = targets
	s.mu.Unlock()
	s.log.Info("registry: loaded targets", "path", s.path, "count", len(targets))
	return nil
}

// RewardInfo reports whether the pair is an active distribution target.
func (s *Static) RewardInfo(ctx context.Context, receiver, asset string) (distributor.RewardInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[pair{receiver, asset}]
	if !ok || t.Inactive {
		return distributor.RewardInfo{}, false, nil
	}
	return distributor.RewardInfo{Distributor: t.Distributor, PeriodFinish: t.PeriodFinish}, true, nil
}

// Assets enumerates the receiver's active assets in stable order.
func (s *Static) Assets(ctx context.Context, receiver string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var assets []string
	for p, t := range s.targets {
		if p.receiver == receiver && !t.Inactive {
			assets = append(assets, p.asset)
		}
	}
	sort.Strings(assets)
	return assets, nil
}
