// Package policy holds the plan entitlement table: which command types each
// plan may submit, and the per-type cooldown and default priority. The table
// is external input (ops edits the yaml file, the controller consumes it),
// so the provider supports hot reload without a restart.
package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"siterelay/internal/queue"
)

// TypeRule is the per-command-type policy: minimum spacing between accepted
// submissions and the priority assigned when the caller does not pick one.
type TypeRule struct {
	Cooldown time.Duration
	Priority int
}

// Table is an immutable snapshot of the entitlement policy. Lookups never
// mutate it; reloads swap the whole table.
type Table struct {
	plans    map[string]map[queue.CommandType]bool
	types    map[queue.CommandType]TypeRule
	fallback TypeRule
}

// Allowed reports whether a plan may submit the given command type. Unknown
// plans have an empty allowed set.
func (t *Table) Allowed(plan string, ct queue.CommandType) bool {
	return t.plans[strings.ToLower(plan)][ct]
}

// Cooldown returns the admission spacing for a command type.
func (t *Table) Cooldown(ct queue.CommandType) time.Duration {
	if r, ok := t.types[ct]; ok {
		return r.Cooldown
	}
	return t.fallback.Cooldown
}

// Priority returns the default priority for a command type.
func (t *Table) Priority(ct queue.CommandType) int {
	if r, ok := t.types[ct]; ok {
		return r.Priority
	}
	return t.fallback.Priority
}

// Plans lists the known plan names, for CLI validation.
func (t *Table) Plans() []string {
	names := make([]string, 0, len(t.plans))
	for name := range t.plans {
		names = append(names, name)
	}
	return names
}

// builtinTable is the policy used when no file is configured. The free tier
// gets only the cheap liveness operations; scans unlock per tier because they
// are the expensive calls on the remote end.
func builtinTable() *Table {
	plans := map[string][]queue.CommandType{
		"free": {queue.TypeSync, queue.TypeHeartbeat},
		"pro": {
			queue.TypeSync, queue.TypeHeartbeat, queue.TypeFlushCache,
			queue.TypeQuickScan, queue.TypeReport, queue.TypeUpdateConfig,
		},
		"business": {
			queue.TypeSync, queue.TypeHeartbeat, queue.TypeFlushCache,
			queue.TypeQuickScan, queue.TypeReport, queue.TypeUpdateConfig,
			queue.TypeSecurityScan,
		},
		"enterprise": {
			queue.TypeSync, queue.TypeHeartbeat, queue.TypeFlushCache,
			queue.TypeQuickScan, queue.TypeReport, queue.TypeUpdateConfig,
			queue.TypeSecurityScan, queue.TypeDeepScan,
		},
	}
	types := map[queue.CommandType]TypeRule{
		queue.TypeHeartbeat:    {Cooldown: 30 * time.Second, Priority: queue.PriorityCritical},
		queue.TypeUpdateConfig: {Cooldown: time.Minute, Priority: queue.PriorityHigh},
		queue.TypeFlushCache:   {Cooldown: time.Minute, Priority: queue.PriorityHigh},
		queue.TypeSync:         {Cooldown: 5 * time.Minute, Priority: queue.PriorityNormal},
		queue.TypeQuickScan:    {Cooldown: 15 * time.Minute, Priority: queue.PriorityNormal},
		queue.TypeSecurityScan: {Cooldown: time.Hour, Priority: queue.PriorityNormal},
		queue.TypeReport:       {Cooldown: 15 * time.Minute, Priority: queue.PriorityLow},
		queue.TypeDeepScan:     {Cooldown: 6 * time.Hour, Priority: queue.PriorityLow},
	}
	return buildTable(plans, types, TypeRule{Cooldown: time.Minute, Priority: queue.PriorityNormal})
}

func buildTable(plans map[string][]queue.CommandType, types map[queue.CommandType]TypeRule, fallback TypeRule) *Table {
	t := &Table{
		plans:    make(map[string]map[queue.CommandType]bool, len(plans)),
		types:    types,
		fallback: fallback,
	}
	for plan, allowed := range plans {
		set := make(map[queue.CommandType]bool, len(allowed))
		for _, ct := range allowed {
			set[ct] = true
		}
		t.plans[strings.ToLower(plan)] = set
	}
	return t
}

// File schema. Durations are *_sec integers; yaml has no duration literal.
type fileTable struct {
	Plans map[string]struct {
		Allowed []string `yaml:"allowed"`
	} `yaml:"plans"`
	CommandTypes map[string]fileRule `yaml:"command_types"`
	Defaults     fileRule            `yaml:"defaults"`
}

type fileRule struct {
	CooldownSec int `yaml:"cooldown_sec"`
	Priority    int `yaml:"priority"`
}

func (r fileRule) rule(fallback TypeRule) (TypeRule, error) {
	out := fallback
	if r.CooldownSec < 0 {
		return out, fmt.Errorf("cooldown_sec must not be negative")
	}
	if r.CooldownSec > 0 {
		out.Cooldown = time.Duration(r.CooldownSec) * time.Second
	}
	if r.Priority != 0 {
		if !queue.ValidPriority(r.Priority) {
			return out, fmt.Errorf("priority %d is not a known tier", r.Priority)
		}
		out.Priority = r.Priority
	}
	return out, nil
}

func parseTable(data []byte) (*Table, error) {
	var f fileTable
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("policy file defines no plans")
	}

	fallback := TypeRule{Cooldown: time.Minute, Priority: queue.PriorityNormal}
	var err error
	if fallback, err = f.Defaults.rule(fallback); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	plans := make(map[string][]queue.CommandType, len(f.Plans))
	for name, p := range f.Plans {
		allowed := make([]queue.CommandType, 0, len(p.Allowed))
		for _, raw := range p.Allowed {
			if !queue.ValidCommandType(raw) {
				return nil, fmt.Errorf("plan %q: unknown command type %q", name, raw)
			}
			allowed = append(allowed, queue.CommandType(raw))
		}
		plans[name] = allowed
	}

	types := make(map[queue.CommandType]TypeRule, len(f.CommandTypes))
	for raw, fr := range f.CommandTypes {
		if !queue.ValidCommandType(raw) {
			return nil, fmt.Errorf("command_types: unknown command type %q", raw)
		}
		r, err := fr.rule(fallback)
		if err != nil {
			return nil, fmt.Errorf("command_types.%s: %w", raw, err)
		}
		types[queue.CommandType(raw)] = r
	}

	return buildTable(plans, types, fallback), nil
}

// Provider serves the current table to the admission path. Read-mostly:
// lookups take the read lock, reloads swap the snapshot under the write lock.
type Provider struct {
	mu    sync.RWMutex
	table *Table
	path  string
}

// NewProvider loads the table from path, or the built-in table when path is
// empty.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if path == "" {
		p.table = builtinTable()
		return p, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-parses the policy file. On failure the previous table stays in
// effect and the error is returned for the caller to log.
func (p *Provider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	table, err := parseTable(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.table = table
	p.mu.Unlock()
	return nil
}

func (p *Provider) current() *Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

func (p *Provider) Allowed(plan string, ct queue.CommandType) bool {
	return p.current().Allowed(plan, ct)
}

func (p *Provider) Cooldown(ct queue.CommandType) time.Duration {
	return p.current().Cooldown(ct)
}

func (p *Provider) Priority(ct queue.CommandType) int {
	return p.current().Priority(ct)
}

func (p *Provider) Plans() []string {
	return p.current().Plans()
}
