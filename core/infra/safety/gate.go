// Package safety implements the content gate consulted before ingestion.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/cordum/ragops/core/infra/config"
	"github.com/cordum/ragops/core/infra/logging"
	"github.com/cordum/ragops/core/ingest"
)

type rule struct {
	id     string
	re     *regexp.Regexp
	reason string
}

type policy struct {
	maxBytes int64
	rules    []rule
}

// PolicyGate denies content matching any configured pattern or exceeding the
// size limit. The policy can be swapped at runtime.
type PolicyGate struct {
	current atomic.Pointer[policy]
}

// NewPolicyGate compiles cfg. A nil cfg allows everything.
func NewPolicyGate(cfg *config.SafetyPolicy) (*PolicyGate, error) {
	g := &PolicyGate{}
	if err := g.Update(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Update compiles and installs a new policy. On error the previous policy stays.
func (g *PolicyGate) Update(cfg *config.SafetyPolicy) error {
	p := &policy{}
	if cfg != nil {
		p.maxBytes = cfg.MaxContentBytes
		for i, d := range cfg.Deny {
			pattern := strings.TrimSpace(d.Pattern)
			if pattern == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("deny rule %d: %w", i, err)
			}
			id := strings.TrimSpace(d.ID)
			if id == "" {
				id = fmt.Sprintf("rule-%d", i)
			}
			p.rules = append(p.rules, rule{id: id, re: re, reason: d.Reason})
		}
	}
	g.current.Store(p)
	logging.Info("safety", "policy loaded", "rules", len(p.rules), "max_content_bytes", p.maxBytes)
	return nil
}

func (g *PolicyGate) Check(ctx context.Context, content string) (ingest.Decision, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Decision{}, err
	}
	p := g.current.Load()
	if p == nil {
		return ingest.Decision{Allowed: true}, nil
	}
	if p.maxBytes > 0 && int64(len(content)) > p.maxBytes {
		return ingest.Decision{
			Allowed: false,
			RuleID:  "max_content_bytes",
			Reason:  fmt.Sprintf("content is %d bytes, limit %d", len(content), p.maxBytes),
		}, nil
	}
	for _, r := range p.rules {
		if r.re.MatchString(content) {
			reason := r.reason
			if reason == "" {
				reason = fmt.Sprintf("content matches deny rule %q", r.id)
			}
			return ingest.Decision{Allowed: false, RuleID: r.id, Reason: reason}, nil
		}
	}
	return ingest.Decision{Allowed: true}, nil
}
