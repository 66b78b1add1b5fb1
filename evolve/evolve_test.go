package evolve

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/oy3o/rio/schema"
)

type pair struct {
	A int32 `rio:"a"`
	C int32 `rio:"c"`
	B int32 `rio:"b"`
}

type energy struct {
	E    float64 `rio:"e"`
	Unit string  `rio:"unit"`
}

type widths struct {
	Small  int8       `rio:"small"`
	Big    int64      `rio:"big"`
	Ratio  float64    `rio:"ratio"`
	Counts [4]uint16  `rio:"counts"`
	Hist   []float64  `rio:"hist"`
	Fixed  [2]float32 `rio:"fixed"`
}

// fakeDecoder hands out preset stored values in order.
type fakeDecoder struct {
	values []any
	next   int
}

func (d *fakeDecoder) Decode(schema.Type) (reflect.Value, error) {
	if d.next >= len(d.values) {
		return reflect.Value{}, errors.New("read past the end of the record")
	}
	v := reflect.ValueOf(d.values[d.next])
	d.next++
	return v, nil
}

func (d *fakeDecoder) DecodeInto(t schema.Type, dst reflect.Value) error {
	v, err := d.Decode(t)
	if err != nil {
		return err
	}
	return Convert(dst, v)
}

type EngineTestSuite struct {
	suite.Suite
	reg    *schema.Registry
	engine *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.reg = schema.NewRegistry()
	_, err := s.reg.RegisterClasses(
		schema.Class{Name: "Pair", Version: 2, Sample: pair{}},
		schema.Class{Name: "Energy", Version: 3, Sample: energy{}},
		schema.Class{Name: "Widths", Version: 5, Sample: widths{}},
	)
	s.Require().NoError(err)
	s.engine = NewEngine(s.reg)
}

func (s *EngineTestSuite) register(cs *schema.ClassSchema) *schema.ClassSchema {
	s.Require().NoError(s.reg.RegisterSchema(cs))
	got, err := s.reg.Resolve(cs.Name, int64(cs.Version))
	s.Require().NoError(err)
	return got
}

func (s *EngineTestSuite) TestInsertedAndMovedMembers() {
	v1 := s.register(schema.NewClassSchema("Pair", 1,
		schema.M("a", schema.Prim(schema.Int32)),
		schema.M("b", schema.Prim(schema.Int32)),
	))
	p, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().Equal(map[string]ActionKind{"a": Copy, "b": Copy, "+c": DefaultInit}, p.Kinds())

	out := pair{C: 99}
	s.Require().NoError(p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: []any{int32(7), int32(11)}}))
	s.Assert().Equal(pair{A: 7, B: 11, C: 0}, out)
}

func (s *EngineTestSuite) TestRenameRule() {
	s.Require().NoError(s.engine.DeclareRule("Pair", 1, "old_b", "b", nil))
	v1 := s.register(schema.NewClassSchema("Pair", 1,
		schema.M("a", schema.Prim(schema.Int32)),
		schema.M("old_b", schema.Prim(schema.Int16)),
	))
	p, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().Equal(map[string]ActionKind{"a": Copy, "old_b": Rename, "+c": DefaultInit}, p.Kinds())

	var out pair
	s.Require().NoError(p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: []any{int32(1), int16(-5)}}))
	s.Assert().Equal(pair{A: 1, B: -5}, out)

	v4 := s.register(schema.NewClassSchema("Pair", 4,
		schema.M("old_b", schema.Prim(schema.Int32)),
	))
	p, err = s.engine.ResolvePlan(v4)
	s.Require().NoError(err)
	s.Assert().Equal(Skip, p.Kinds()["old_b"], "the rule only covers versions up to 1")
}

func (s *EngineTestSuite) TestTransformSeesSiblings() {
	s.Require().NoError(s.engine.DeclareRule("Energy", 2, "e_mev", "e", func(in any, rc *RuleContext) (any, error) {
		scale, ok := rc.Sibling("scale")
		if !ok {
			return nil, errors.New("scale not decoded yet")
		}
		return float64(in.(float32)) * float64(scale.(int32)) / 1000, nil
	}))
	v2 := s.register(schema.NewClassSchema("Energy", 2,
		schema.M("scale", schema.Prim(schema.Int32)),
		schema.M("e_mev", schema.Prim(schema.Float32)),
	))
	p, err := s.engine.ResolvePlan(v2)
	s.Require().NoError(err)
	s.Assert().Equal(map[string]ActionKind{"scale": Skip, "e_mev": UserRule, "+unit": DefaultInit}, p.Kinds())

	out := energy{Unit: "stale"}
	s.Require().NoError(p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: []any{int32(2), float32(1500)}}))
	s.Assert().Equal(energy{E: 3}, out)
}

func (s *EngineTestSuite) TestAmbiguousRules() {
	v1 := s.register(schema.NewClassSchema("Pair", 1,
		schema.M("old_b", schema.Prim(schema.Int32)),
		schema.M("older_b", schema.Prim(schema.Int32)),
	))

	s.T().Run("OneMemberTwoTargets", func(t *testing.T) {
		e := NewEngine(s.reg)
		require.NoError(t, e.DeclareRule("Pair", 1, "old_b", "b", nil))
		require.NoError(t, e.DeclareRule("Pair", 1, "old_b", "c", nil))
		_, err := e.ResolvePlan(v1)
		assert.ErrorIs(t, err, schema.ErrSchemaConflict)
	})

	s.T().Run("TwoMembersOneTarget", func(t *testing.T) {
		e := NewEngine(s.reg)
		require.NoError(t, e.DeclareRule("Pair", 3, "old_b", "b", nil))
		require.NoError(t, e.DeclareRule("Pair", 3, "older_b", "b", nil))
		_, err := e.ResolvePlan(v1)
		var sce *schema.SchemaConflictError
		require.ErrorAs(t, err, &sce)
		assert.Equal(t, "Pair", sce.Class)
	})

	s.T().Run("TighterBoundWins", func(t *testing.T) {
		e := NewEngine(s.reg)
		require.NoError(t, e.DeclareRule("Pair", 3, "old_b", "b", nil))
		require.NoError(t, e.DeclareRule("Pair", 1, "older_b", "b", nil))
		p, err := e.ResolvePlan(v1)
		require.NoError(t, err)
		assert.Equal(t, Skip, p.Kinds()["old_b"])
		assert.Equal(t, Rename, p.Kinds()["older_b"])
	})

	s.T().Run("DuplicateDeclarationIsHarmless", func(t *testing.T) {
		e := NewEngine(s.reg)
		require.NoError(t, e.DeclareRule("Pair", 1, "old_b", "b", nil))
		require.NoError(t, e.DeclareRule("Pair", 1, "old_b", "b", nil))
		_, err := e.ResolvePlan(v1)
		assert.NoError(t, err)
	})

	s.T().Run("UnknownTarget", func(t *testing.T) {
		e := NewEngine(s.reg)
		require.NoError(t, e.DeclareRule("Pair", 1, "old_b", "nope", nil))
		_, err := e.ResolvePlan(v1)
		assert.ErrorIs(t, err, schema.ErrSchemaConflict)
	})
}

func (s *EngineTestSuite) TestRuleClaimsSameNameTarget() {
	s.Require().NoError(s.engine.DeclareRule("Pair", 1, "old_b", "b", nil))
	v1 := s.register(schema.NewClassSchema("Pair", 1,
		schema.M("b", schema.Prim(schema.Int32)),
		schema.M("old_b", schema.Prim(schema.Int32)),
	))
	p, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().Equal(Skip, p.Kinds()["b"])
	s.Assert().Equal(Rename, p.Kinds()["old_b"])
}

func (s *EngineTestSuite) TestTypeMismatchAtPlanTime() {
	v1 := s.register(schema.NewClassSchema("Pair", 1, schema.M("a", schema.Prim(schema.String))))
	_, err := s.engine.ResolvePlan(v1)
	var tme *TypeMismatchError
	s.Require().ErrorAs(err, &tme)
	s.Assert().Equal("a", tme.Member)
	s.Assert().Equal("string", tme.From)
	s.Assert().Equal("int32", tme.To)
}

func (s *EngineTestSuite) TestNumericAndShapeEvolution() {
	v4 := s.register(schema.NewClassSchema("Widths", 4,
		schema.M("small", schema.Prim(schema.Int64)),
		schema.M("big", schema.Prim(schema.Uint32)),
		schema.M("ratio", schema.Prim(schema.Float32)),
		schema.M("counts", schema.ArrayOf(schema.Prim(schema.Uint8), 2)),
		schema.M("hist", schema.ArrayOf(schema.Prim(schema.Float32), 3)),
		schema.M("fixed", schema.SliceOf(schema.Prim(schema.Float64))),
	))
	p, err := s.engine.ResolvePlan(v4)
	s.Require().NoError(err)
	s.Assert().Equal(map[string]ActionKind{
		"small": Narrow, "big": Widen, "ratio": Widen, "counts": Widen, "hist": Widen, "fixed": Narrow,
	}, p.Kinds())

	values := []any{int64(-8), uint32(1 << 31), float32(0.5), [2]uint8{3, 4}, [3]float32{1, 2, 3}, []float64{1.5}}
	var out widths
	s.Require().NoError(p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: values}))
	s.Assert().Equal(widths{
		Small:  -8,
		Big:    1 << 31,
		Ratio:  0.5,
		Counts: [4]uint16{3, 4, 0, 0},
		Hist:   []float64{1, 2, 3},
		Fixed:  [2]float32{1.5, 0},
	}, out)

	values[0] = int64(300)
	err = p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: values})
	s.Assert().ErrorIs(err, ErrTypeMismatch, "narrowing is checked")

	values[0] = int64(1)
	values[5] = []float64{1, 2, 3}
	err = p.Apply(reflect.ValueOf(&out).Elem(), &fakeDecoder{values: values})
	s.Assert().ErrorIs(err, ErrTypeMismatch, "three stored elements do not fit two")
}

func (s *EngineTestSuite) TestPlanCache() {
	v1 := s.register(schema.NewClassSchema("Pair", 1, schema.M("a", schema.Prim(schema.Int32))))
	first, err := s.engine.Plan("Pair", 1, nil)
	s.Require().NoError(err)
	again, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().Same(first, again)

	s.Require().NoError(s.engine.DeclareRule("Pair", 1, "a", "b", nil))
	rebuilt, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().NotSame(first, rebuilt, "declaring a rule drops cached plans")
	s.Assert().Equal(Rename, rebuilt.Kinds()["a"])

	_, err = s.engine.Plan("Pair", 9, nil)
	s.Assert().ErrorIs(err, schema.ErrUnresolvableVersion)
	_, err = s.engine.Plan("Pair", -3, nil)
	s.Assert().ErrorIs(err, schema.ErrUnresolvableVersion)

	var wg sync.WaitGroup
	plans := make([]*Plan, 16)
	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			plans[i], _ = NewEngine(s.reg).ResolvePlan(v1)
		}(i)
	}
	wg.Wait()
	for _, p := range plans {
		s.Assert().NotNil(p)
	}
}

func (s *EngineTestSuite) TestRuleDeclaredDuringPlanBuild() {
	v1 := s.register(schema.NewClassSchema("Pair", 1, schema.M("old_b", schema.Prim(schema.Int32))))
	s.engine.built = func(planKey) {
		s.engine.built = nil
		s.Require().NoError(s.engine.DeclareRule("Pair", 1, "old_b", "b", nil))
	}
	stale, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().Equal(Skip, stale.Kinds()["old_b"])

	fresh, err := s.engine.ResolvePlan(v1)
	s.Require().NoError(err)
	s.Assert().NotSame(stale, fresh, "a plan built before the rule must not stay cached")
	s.Assert().Equal(Rename, fresh.Kinds()["old_b"])
}

func TestEngine(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestClassify(t *testing.T) {
	p := schema.Prim
	cases := []struct {
		src, dst schema.Type
		kind     ActionKind
		ok       bool
	}{
		{p(schema.Int32), p(schema.Int32), Copy, true},
		{p(schema.Int8), p(schema.Int64), Widen, true},
		{p(schema.Uint16), p(schema.Int32), Widen, true},
		{p(schema.Uint32), p(schema.Int32), Narrow, true},
		{p(schema.Int16), p(schema.Uint64), Narrow, true},
		{p(schema.Int32), p(schema.Float64), Widen, true},
		{p(schema.Int64), p(schema.Float64), Narrow, true},
		{p(schema.Float32), p(schema.Float64), Widen, true},
		{p(schema.Float64), p(schema.Float32), Narrow, true},
		{p(schema.Float64), p(schema.Int32), Narrow, true},
		{p(schema.Bool), p(schema.Int8), 0, false},
		{p(schema.String), p(schema.Bytes), 0, false},
		{schema.ArrayOf(p(schema.Int8), 4), schema.ArrayOf(p(schema.Int8), 2), 0, false},
		{schema.ArrayOf(p(schema.Int8), 2), schema.ArrayOf(p(schema.Int8), 4), Widen, true},
		{schema.ArrayOf(p(schema.Int16), 2), schema.ArrayOf(p(schema.Int8), 2), Narrow, true},
		{schema.SliceOf(p(schema.String)), schema.SliceOf(p(schema.Int32)), 0, false},
		{schema.PointerTo("A"), schema.PointerTo(""), Widen, true},
		{schema.PointerTo(""), schema.PointerTo("A"), Narrow, true},
		{schema.PointerTo("A"), schema.PointerTo("B"), 0, false},
		{schema.ObjectOf("A"), schema.ObjectOf("B"), 0, false},
		{schema.ObjectOf("A"), schema.PointerTo("A"), 0, false},
	}
	for _, c := range cases {
		kind, ok := Classify(c.src, c.dst)
		assert.Equal(t, c.ok, ok, "%s -> %s", c.src, c.dst)
		if c.ok {
			assert.Equal(t, c.kind, kind, "%s -> %s", c.src, c.dst)
		}
	}
}

func TestConvertChecksRange(t *testing.T) {
	var (
		i8  int8
		u16 uint16
		i32 int32
		f32 float32
	)
	bad := []struct {
		dst any
		src any
	}{
		{&i8, int64(128)},
		{&i8, int64(-129)},
		{&u16, int32(-1)},
		{&u16, uint64(70000)},
		{&i32, 1.5},
		{&i32, math.NaN()},
		{&i32, float64(1 << 40)},
		{&f32, 1e40},
		{&i32, "7"},
	}
	for _, c := range bad {
		err := Convert(reflect.ValueOf(c.dst).Elem(), reflect.ValueOf(c.src))
		assert.ErrorIs(t, err, ErrTypeMismatch, "%T <- %v", c.dst, c.src)
	}

	require.NoError(t, Convert(reflect.ValueOf(&i8).Elem(), reflect.ValueOf(int64(-128))))
	assert.Equal(t, int8(-128), i8)
	require.NoError(t, Convert(reflect.ValueOf(&i32).Elem(), reflect.ValueOf(float64(-42))))
	assert.Equal(t, int32(-42), i32)
	require.NoError(t, Convert(reflect.ValueOf(&f32).Elem(), reflect.ValueOf(math.Inf(1))))
	assert.True(t, math.IsInf(float64(f32), 1))

	var iface any = &pair{A: 1}
	var target *pair
	require.NoError(t, Convert(reflect.ValueOf(&target).Elem(), reflect.ValueOf(&iface).Elem()))
	assert.Equal(t, int32(1), target.A)

	require.NoError(t, Convert(reflect.ValueOf(&target).Elem(), reflect.Value{}))
	assert.Nil(t, target)
}

func TestDeclareRuleValidation(t *testing.T) {
	e := NewEngine(schema.NewRegistry())
	assert.ErrorIs(t, e.DeclareRule("", 1, "a", "b", nil), ErrInvalidRule)
	assert.ErrorIs(t, e.DeclareRule("X", 0, "a", "b", nil), ErrInvalidRule)
	assert.ErrorIs(t, e.DeclareRule("X", 1, "", "b", nil), ErrInvalidRule)
	assert.NoError(t, e.DeclareRule("X", 1, "a", "b", nil))
}
