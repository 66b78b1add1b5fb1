package evolve

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/oy3o/rio/schema"
)

type planKey struct {
	class   string
	version int32
}

// Engine resolves and caches evolution plans. Plans are keyed by
// (class, stored version) since the target is always the live layout.
// Concurrent callers may race to build the same plan; one of the equal plans
// is kept.
type Engine struct {
	reg   *schema.Registry
	rules *Rules
	plans *xsync.Map[planKey, *Plan]
	gen   atomic.Uint64 // bumped by DeclareRule
	built func(planKey) // called between building and caching a plan
	log   *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRules shares a rule set between engines.
func WithRules(rs *Rules) Option {
	return func(e *Engine) {
		if rs != nil {
			e.rules = rs
		}
	}
}

func NewEngine(reg *schema.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:   reg,
		rules: NewRules(),
		plans: xsync.NewMap[planKey, *Plan](),
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *schema.Registry { return e.reg }

// DeclareRule states that member from of class, in stored versions up to and
// including upTo, is read into live member to, through fn when fn is not nil.
// Rules should be declared before decoding starts; cached plans of the class
// are dropped.
func (e *Engine) DeclareRule(class string, upTo int32, from, to string, fn Transform) error {
	if err := e.rules.Declare(Rule{Class: class, UpTo: upTo, From: from, To: to, Transform: fn}); err != nil {
		return err
	}
	e.gen.Add(1)
	e.plans.Range(func(k planKey, _ *Plan) bool {
		if k.class == class {
			e.plans.Delete(k)
		}
		return true
	})
	return nil
}

// ResolvePlan returns the plan from source to the live layout of its class.
func (e *Engine) ResolvePlan(source *schema.ClassSchema) (*Plan, error) {
	key := planKey{source.Name, source.Version}
	if p, ok := e.plans.Load(key); ok {
		return p, nil
	}
	gen := e.gen.Load()
	target, err := e.reg.GetOrBuildCurrent(source.Name)
	if err != nil {
		return nil, err
	}
	p, err := BuildPlan(source, target, e.rules.For(source.Name, source.Version))
	if err != nil {
		e.log.Debug("evolution plan rejected", "class", source.Name, "version", source.Version, "error", err)
		return nil, err
	}
	if e.built != nil {
		e.built(key)
	}
	actual, loaded := e.plans.LoadOrStore(key, p)
	if e.gen.Load() != gen {
		// A rule was declared while building; the plan may predate it.
		e.plans.Delete(key)
		return p, nil
	}
	if !loaded {
		e.log.Debug("built evolution plan", "class", source.Name, "from", source.Version, "to", target.Version, "plan", p.String())
	}
	return actual, nil
}

// Plan resolves the stored schema of (class, version), consulting table for
// versions the registry does not know, and returns its plan.
func (e *Engine) Plan(class string, version int64, table *schema.Table) (*Plan, error) {
	source, err := e.reg.ResolveWith(table, class, version)
	if err != nil {
		return nil, err
	}
	return e.ResolvePlan(source)
}
