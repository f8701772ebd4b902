package ratelimit

import (
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/fraudguard/internal/account"
)

// Rule is a sliding-window limit: at most Limit events per Window.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
	// Routes binds an endpoint rule to "METHOD /path" route patterns.
	Routes []string `yaml:"routes,omitempty"`
}

func (r Rule) valid() bool { return r.Limit > 0 && r.Window > 0 }

// Policy holds the limits for all three tiers.
type Policy struct {
	IP        Rule                  `yaml:"ip"`
	Plans     map[account.Plan]Rule `yaml:"plans"`
	Endpoints map[string]Rule       `yaml:"endpoints"`

	routes map[string]string // "METHOD /path" -> endpoint name
}

// Endpoint names with built-in rules.
const (
	EndpointFraudDetect = "fraud-detect"
	EndpointLogin       = "login"
)

// DefaultPolicy returns the built-in limits. Account limits follow the plan
// catalogue's hourly request allowance.
func DefaultPolicy() Policy {
	p := Policy{
		IP:    Rule{Limit: 10, Window: time.Minute},
		Plans: make(map[account.Plan]Rule, len(account.Plans)),
		Endpoints: map[string]Rule{
			EndpointFraudDetect: {Limit: 50, Window: time.Minute, Routes: []string{"POST /v1/fraud/detect"}},
			EndpointLogin:       {Limit: 5, Window: 5 * time.Minute, Routes: []string{"POST /v1/auth/login"}},
		},
	}
	for plan, cfg := range account.Plans {
		p.Plans[plan] = Rule{Limit: int(cfg.RequestsPerHour), Window: time.Hour}
	}
	p.index()
	return p
}

// LoadPolicy reads a YAML policy file and overlays it on base.
// Sections absent from the file keep base's values; endpoint and plan
// entries are merged by name.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read rate limit policy: %w", err)
	}
	return base.Overlay(data)
}

// ParsePolicy decodes YAML and overlays it on DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	return DefaultPolicy().Overlay(data)
}

// Overlay decodes YAML and merges it into a copy of p.
func (p Policy) Overlay(data []byte) (Policy, error) {
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse rate limit policy: %w", err)
	}

	p.Plans = maps.Clone(p.Plans)
	p.Endpoints = maps.Clone(p.Endpoints)
	if p.Plans == nil {
		p.Plans = make(map[account.Plan]Rule)
	}
	if p.Endpoints == nil {
		p.Endpoints = make(map[string]Rule)
	}
	if file.IP.Limit != 0 || file.IP.Window != 0 {
		p.IP = file.IP
	}
	for plan, r := range file.Plans {
		if !account.ValidPlan(plan) {
			return Policy{}, fmt.Errorf("rate limit policy: unknown plan %q", plan)
		}
		p.Plans[plan] = r
	}
	for name, r := range file.Endpoints {
		p.Endpoints[name] = r
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	p.index()
	return p, nil
}

// Validate checks that every rule has a positive limit and window.
func (p *Policy) Validate() error {
	if !p.IP.valid() {
		return fmt.Errorf("rate limit policy: ip rule needs positive limit and window")
	}
	for plan, r := range p.Plans {
		if !r.valid() {
			return fmt.Errorf("rate limit policy: plan %s needs positive limit and window", plan)
		}
	}
	for name, r := range p.Endpoints {
		if !r.valid() {
			return fmt.Errorf("rate limit policy: endpoint %s needs positive limit and window", name)
		}
	}
	return nil
}

// WithIP returns a copy of p with the IP rule replaced.
func (p Policy) WithIP(limit int, window time.Duration) Policy {
	p.IP = Rule{Limit: limit, Window: window}
	return p
}

// PlanRule returns the account rule for plan, falling back to community.
func (p *Policy) PlanRule(plan account.Plan) Rule {
	if r, ok := p.Plans[plan]; ok {
		return r
	}
	return p.Plans[account.PlanCommunity]
}

// EndpointFor maps a route pattern to its endpoint rule name.
func (p *Policy) EndpointFor(method, path string) (string, bool) {
	if p.routes == nil {
		p.index()
	}
	name, ok := p.routes[method+" "+path]
	return name, ok
}

func (p *Policy) index() {
	p.routes = make(map[string]string)
	for name, r := range p.Endpoints {
		for _, route := range r.Routes {
			p.routes[route] = name
		}
	}
}
