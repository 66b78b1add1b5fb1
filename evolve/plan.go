package evolve

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/oy3o/rio/schema"
)

// ActionKind is what happens to one member while a stored record is decoded.
type ActionKind uint8

const (
	Copy        ActionKind = iota // same type, decoded in place
	Widen                         // lossless conversion
	Narrow                        // checked conversion
	Rename                        // explicit rule without transform
	UserRule                      // explicit rule with transform
	DefaultInit                   // live member with no stored counterpart
	Skip                          // stored member with no live counterpart
)

var actionNames = [...]string{"copy", "widen", "narrow", "rename", "rule", "default", "skip"}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action maps one stored member to one live member.
type Action struct {
	Kind   ActionKind
	Source int   // index into Plan.Source.Members, -1 for DefaultInit
	Target int   // index into Plan.Target.Members, -1 for Skip
	Rule   *Rule // for Rename and UserRule

	direct bool // the stored type equals the live type
}

// Plan is the member mapping from one stored version of a class to its live
// layout. Actions list the stored members in on-disk order, followed by the
// DefaultInit actions. A Plan is immutable and may be shared.
type Plan struct {
	Class   string
	Source  *schema.ClassSchema
	Target  *schema.ClassSchema
	Actions []Action

	transforms bool
}

type claim struct {
	source int
	rule   *Rule
}

// BuildPlan computes the plan for decoding source into target.
//
// For each stored member the first applicable step wins:
//  1. an explicit rule naming it, the one with the smallest UpTo bound;
//  2. a live member of the same name and an equal type (Copy);
//  3. a live member of the same name and a convertible type (Widen, Narrow);
//  4. otherwise the member is skipped.
//
// Live members left unclaimed are default-initialized. Two rules of equal
// bound for one stored member, or two stored members claiming one live member
// through rules of equal bound, are a SchemaConflictError. When the bounds
// differ the tighter rule wins and the other stored member is skipped. A live
// member claimed by a rule is never also filled by a same-name match.
func BuildPlan(source, target *schema.ClassSchema, rules []Rule) (*Plan, error) {
	if source.Name != target.Name {
		return nil, fmt.Errorf("evolve: plan from %s to %s", source.Name, target.Name)
	}
	if !target.Live() {
		return nil, fmt.Errorf("evolve: %s version %d has no live layout", target.Name, target.Version)
	}
	conflict := func(format string, args ...any) error {
		return &schema.SchemaConflictError{Class: source.Name, Version: source.Version, Reason: fmt.Sprintf(format, args...)}
	}

	chosen := make([]*Rule, len(source.Members))
	for i, sm := range source.Members {
		for j := range rules {
			r := &rules[j]
			if r.From != sm.Name || !r.appliesTo(source.Version) {
				continue
			}
			switch best := chosen[i]; {
			case best == nil || r.UpTo < best.UpTo:
				chosen[i] = r
			case r.UpTo == best.UpTo && !sameRule(best, r):
				return nil, conflict("rules %q and %q both apply to member %q", best, r, sm.Name)
			}
		}
	}

	claims := make(map[int]claim)
	skipped := make([]bool, len(source.Members))
	for i, r := range chosen {
		if r == nil {
			continue
		}
		t, ok := target.Index(r.To)
		if !ok {
			return nil, conflict("rule %q targets unknown member %q", r, r.To)
		}
		prev, taken := claims[t]
		switch {
		case !taken:
			claims[t] = claim{source: i, rule: r}
		case r.UpTo < prev.rule.UpTo:
			skipped[prev.source] = true
			claims[t] = claim{source: i, rule: r}
		case r.UpTo > prev.rule.UpTo:
			skipped[i] = true
		default:
			return nil, conflict("members %q and %q both map to %q",
				source.Members[prev.source].Name, source.Members[i].Name, r.To)
		}
	}

	p := &Plan{Class: source.Name, Source: source, Target: target}
	filled := make([]bool, len(target.Members))
	for i, sm := range source.Members {
		a := Action{Kind: Skip, Source: i, Target: -1}
		switch r := chosen[i]; {
		case skipped[i]:
		case r != nil:
			t, _ := target.Index(r.To)
			a.Target, a.Rule = t, r
			if r.Transform != nil {
				a.Kind = UserRule
				p.transforms = true
				break
			}
			kind, ok := Classify(sm.Type, target.Members[t].Type)
			if !ok {
				return nil, mismatch(source, sm, target.Members[t], "rule "+r.String())
			}
			a.Kind, a.direct = Rename, kind == Copy
		default:
			t, ok := target.Index(sm.Name)
			if !ok {
				break
			}
			if _, claimed := claims[t]; claimed {
				break
			}
			kind, ok := Classify(sm.Type, target.Members[t].Type)
			if !ok {
				return nil, mismatch(source, sm, target.Members[t], "")
			}
			a.Kind, a.Target, a.direct = kind, t, kind == Copy
		}
		if a.Target >= 0 {
			filled[a.Target] = true
		}
		p.Actions = append(p.Actions, a)
	}
	for t, ok := range filled {
		if !ok {
			p.Actions = append(p.Actions, Action{Kind: DefaultInit, Source: -1, Target: t})
		}
	}
	return p, nil
}

func sameRule(a, b *Rule) bool {
	return a.To == b.To && a.Transform == nil && b.Transform == nil
}

func mismatch(source *schema.ClassSchema, sm, tm schema.Member, reason string) error {
	return &TypeMismatchError{Class: source.Name, Member: sm.Name, From: sm.Type.String(), To: tm.Type.String(), Reason: reason}
}

// Kinds returns the action kind per stored member name, plus "+name" entries
// for default-initialized live members. It is meant for diagnostics.
func (p *Plan) Kinds() map[string]ActionKind {
	out := make(map[string]ActionKind, len(p.Actions))
	for _, a := range p.Actions {
		if a.Source >= 0 {
			out[p.Source.Members[a.Source].Name] = a.Kind
		} else {
			out["+"+p.Target.Members[a.Target].Name] = a.Kind
		}
	}
	return out
}

func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s v%d -> v%d:", p.Class, p.Source.Version, p.Target.Version)
	for _, a := range p.Actions {
		switch {
		case a.Source < 0:
			fmt.Fprintf(&sb, " %s(%s)", a.Kind, p.Target.Members[a.Target].Name)
		case a.Target < 0:
			fmt.Fprintf(&sb, " %s(%s)", a.Kind, p.Source.Members[a.Source].Name)
		default:
			fmt.Fprintf(&sb, " %s(%s->%s)", a.Kind, p.Source.Members[a.Source].Name, p.Target.Members[a.Target].Name)
		}
	}
	return sb.String()
}

// MemberDecoder reads the stored members of the record a plan is applied to.
type MemberDecoder interface {
	// DecodeInto reads the next stored member of type t into dst, whose Go
	// type is the live type of an equal schema type.
	DecodeInto(t schema.Type, dst reflect.Value) error
	// Decode reads the next stored member of type t into a new value of its
	// natural Go type.
	Decode(t schema.Type) (reflect.Value, error)
}

// Apply decodes one stored record into dst, an addressable value of the live
// struct type, consuming stored members strictly in on-disk order.
func (p *Plan) Apply(dst reflect.Value, dec MemberDecoder) error {
	var siblings map[string]any
	if p.transforms {
		siblings = make(map[string]any, len(p.Source.Members))
	}
	for _, a := range p.Actions {
		if a.Kind == DefaultInit {
			p.field(dst, a.Target).SetZero()
			continue
		}
		sm := p.Source.Members[a.Source]
		var val reflect.Value
		if a.direct {
			val = p.field(dst, a.Target)
			if err := dec.DecodeInto(sm.Type, val); err != nil {
				return err
			}
		} else {
			v, err := dec.Decode(sm.Type)
			if err != nil {
				return err
			}
			val = v
			if err := p.store(dst, a, v, siblings); err != nil {
				return err
			}
		}
		if siblings != nil {
			siblings[sm.Name] = val.Interface()
		}
	}
	return nil
}

func (p *Plan) store(dst reflect.Value, a Action, v reflect.Value, siblings map[string]any) error {
	if a.Kind == Skip {
		return nil
	}
	sm, tm := p.Source.Members[a.Source], p.Target.Members[a.Target]
	if a.Kind == UserRule {
		rc := NewRuleContext(p.Class, p.Source.Version, sm.Name, siblings)
		out, err := a.Rule.Transform(v.Interface(), rc)
		if err != nil {
			return fmt.Errorf("evolve: %s.%s: transform %s: %w", p.Class, sm.Name, a.Rule, err)
		}
		v = reflect.ValueOf(out)
	}
	if err := Convert(p.field(dst, a.Target), v); err != nil {
		return mismatch(p.Source, sm, tm, err.Error())
	}
	return nil
}

func (p *Plan) field(dst reflect.Value, target int) reflect.Value {
	return dst.FieldByIndex(p.Target.Members[target].Field)
}
