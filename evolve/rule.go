package evolve

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oy3o/rio/schema"
)

var (
	// ErrTypeMismatch indicates a stored value that cannot be converted to the
	// live member type.
	ErrTypeMismatch = errors.New("evolve: type mismatch")

	// ErrInvalidRule indicates a rule declaration that can never apply.
	ErrInvalidRule = errors.New("evolve: invalid rule")
)

// TypeMismatchError reports a member whose stored type cannot become its
// live type.
type TypeMismatchError struct {
	Class  string
	Member string
	From   string
	To     string
	Reason string
}

func (e *TypeMismatchError) Error() string {
	msg := fmt.Sprintf("evolve: %s.%s: cannot convert %s to %s", e.Class, e.Member, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TypeMismatchError) Unwrap() error { return ErrTypeMismatch }

// Transform converts a decoded source member into the value stored in the
// live member. in holds the stored value in its natural Go form (int32 for
// an int32 member, []float64 for a slice, and so on).
type Transform func(in any, rc *RuleContext) (any, error)

// RuleContext gives a Transform access to the record being decoded.
type RuleContext struct {
	Class         string
	SourceVersion int32
	Member        string

	siblings map[string]any
}

// Sibling returns an already decoded source member of the same record.
// Members stored after the one being transformed are not available yet.
func (rc *RuleContext) Sibling(name string) (any, bool) {
	v, ok := rc.siblings[name]
	return v, ok
}

// NewRuleContext builds a context for a transform call. siblings maps source
// member names to their decoded values.
func NewRuleContext(class string, version int32, member string, siblings map[string]any) *RuleContext {
	return &RuleContext{Class: class, SourceVersion: version, Member: member, siblings: siblings}
}

// Rule states that member From of Class, in every version up to and
// including UpTo, corresponds to member To of the live layout, optionally
// through Transform.
type Rule struct {
	Class     string
	UpTo      int32
	From      string
	To        string
	Transform Transform
}

func (r Rule) appliesTo(version int32) bool { return version <= r.UpTo }

func (r Rule) String() string {
	s := fmt.Sprintf("%s v<=%d %s -> %s", r.Class, r.UpTo, r.From, r.To)
	if r.Transform != nil {
		s += " (transform)"
	}
	return s
}

// Rules is the set of declared evolution rules. It is safe for concurrent use.
type Rules struct {
	mu      sync.RWMutex
	byClass map[string][]Rule
}

func NewRules() *Rules {
	return &Rules{byClass: make(map[string][]Rule)}
}

// Declare adds a rule. Conflicts between rules are detected when a plan that
// needs them is built, not here.
func (rs *Rules) Declare(r Rule) error {
	if r.Class == "" || r.From == "" || r.To == "" {
		return fmt.Errorf("%w: %s: class and member names are required", ErrInvalidRule, r)
	}
	if r.UpTo < 1 || r.UpTo > schema.MaxVersion {
		return fmt.Errorf("%w: %s: version bound outside 1..%d", ErrInvalidRule, r, schema.MaxVersion)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.byClass[r.Class] = append(rs.byClass[r.Class], r)
	return nil
}

// For returns the rules of class that apply to source version.
func (rs *Rules) For(class string, version int32) []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var out []Rule
	for _, r := range rs.byClass[class] {
		if r.appliesTo(version) {
			out = append(out, r)
		}
	}
	return out
}
