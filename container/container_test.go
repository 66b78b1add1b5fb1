package container

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/evolve"
	"github.com/oy3o/rio/schema"
	"github.com/oy3o/rio/stream"
)

type event struct {
	ID     uint64    `rio:"id"`
	Energy float64   `rio:"energy"`
	Tags   []string  `rio:"tags"`
	Hits   []float32 `rio:"hits"`
}

type legacyV5 struct {
	Code int32
}

type legacyV6 struct {
	Code  int64
	Label string
}

type pairV1 struct {
	A int32 `rio:"a"`
	B int32 `rio:"b"`
}

type pairSwapped struct {
	B int32 `rio:"b"`
	A int32 `rio:"a"`
}

type pairV2 struct {
	A int32 `rio:"a"`
	C int32 `rio:"c"`
	B int32 `rio:"b"`
}

type link struct {
	Name   string
	Target *event
}

type bundle struct {
	Links []link
}

func newStreamer(t testing.TB, classes ...schema.Class) *stream.Streamer {
	t.Helper()
	reg := schema.NewRegistry()
	_, err := reg.RegisterClasses(classes...)
	require.NoError(t, err)
	return stream.New(evolve.NewEngine(reg))
}

func events(n int) []*event {
	rng := rand.New(rand.NewPCG(1, 2))
	out := make([]*event, n)
	for i := range out {
		e := &event{ID: uint64(i), Energy: rng.Float64() * 100}
		for j := 0; j < i%5; j++ {
			e.Tags = append(e.Tags, fmt.Sprintf("tag-%d", j))
			e.Hits = append(e.Hits, float32(rng.NormFloat64()))
		}
		out[i] = e
	}
	return out
}

func write(t testing.TB, st *stream.Streamer, values []any, opts ...Option) []byte {
	t.Helper()
	var file bytes.Buffer
	w, err := NewWriter(&file, st, opts...)
	require.NoError(t, err)
	for _, v := range values {
		require.NoError(t, w.Write(v))
	}
	require.NoError(t, w.Close())
	return file.Bytes()
}

func open(t testing.TB, st *stream.Streamer, data []byte) *Reader {
	t.Helper()
	r, err := Open(bytes.NewReader(data), int64(len(data)), st)
	require.NoError(t, err)
	return r
}

type ContainerTestSuite struct {
	suite.Suite
	st *stream.Streamer
}

func (s *ContainerTestSuite) SetupTest() {
	s.st = newStreamer(s.T(),
		schema.Class{Name: "Event", Version: 1, Sample: event{}},
		schema.Class{Name: "Link", Version: 1, Sample: link{}},
		schema.Class{Name: "Bundle", Version: 1, Sample: bundle{}},
	)
}

func (s *ContainerTestSuite) values(evs []*event) []any {
	out := make([]any, len(evs))
	for i, e := range evs {
		out[i] = e
	}
	return out
}

func (s *ContainerTestSuite) TestRoundTripAcrossSections() {
	evs := events(300)
	data := write(s.T(), s.st, s.values(evs),
		WithSectionSize(2048),
		WithCompression(compress.Options{Algorithm: compress.Zstd, ChunkSize: 512}),
	)
	r := open(s.T(), s.st, data)
	s.Assert().Equal(300, r.Records())
	s.Assert().Greater(len(r.Sections()), 3)
	s.Assert().Equal(1, r.Schemas().Len())

	got, err := r.ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, len(evs))
	for i, rec := range got {
		s.Assert().Equal(i, rec.Index)
		s.Assert().Equal(evs[i], rec.Value)
	}

	first := 0
	for i, sec := range r.Sections() {
		s.Assert().Equal(first, sec.First, "section %d", i)
		first += sec.Records
	}
}

func (s *ContainerTestSuite) TestEveryAlgorithm() {
	evs := events(40)
	for _, algo := range []compress.Algorithm{compress.Stored, compress.Zlib, compress.LZMA, compress.LZ4, compress.Zstd} {
		s.Run(algo.String(), func() {
			data := write(s.T(), s.st, s.values(evs), WithCompression(compress.Options{Algorithm: algo}))
			r := open(s.T(), s.st, data)
			s.Assert().Equal(algo, r.Header().Algorithm)
			n, err := r.Verify()
			s.Require().NoError(err)
			s.Assert().Equal(len(evs), n)
		})
	}
}

func (s *ContainerTestSuite) TestHeader() {
	id := uuid.New()
	before := time.Now()
	data := write(s.T(), s.st, []any{&event{}}, WithID(id))
	r := open(s.T(), s.st, data)
	h := r.Header()
	s.Assert().Equal(id, h.ID)
	s.Assert().Equal(uint16(FormatVersion), h.FormatVersion)
	s.Assert().Equal(compress.Zstd, h.Algorithm)
	s.Assert().NotZero(h.Flags & FlagSchemas)
	s.Assert().WithinDuration(before, h.Created, time.Minute)
	s.Assert().Equal(int64(len(data)), r.Size())
}

func (s *ContainerTestSuite) TestSharedObjectsWithinRecord() {
	target := &event{ID: 7}
	data := write(s.T(), s.st, []any{
		&bundle{Links: []link{{Name: "a", Target: target}, {Name: "b", Target: target}}},
		target,
	})
	got, err := open(s.T(), s.st, data).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	b := got[0].Value.(*bundle)
	s.Assert().Same(b.Links[0].Target, b.Links[1].Target)
	// each record is its own session
	s.Assert().NotSame(b.Links[0].Target, got[1].Value)
	s.Assert().Equal(b.Links[0].Target, got[1].Value)
}

func (s *ContainerTestSuite) TestSkipAndContinue() {
	writer := newStreamer(s.T(),
		schema.Class{Name: "Event", Version: 1, Sample: event{}},
		schema.Class{Name: "Legacy", Version: 5, Sample: legacyV5{}},
	)
	data := write(s.T(), writer, []any{&event{ID: 1}, &legacyV5{Code: 2}, &event{ID: 3}}, WithEmbeddedSchemas(false))

	reader := newStreamer(s.T(),
		schema.Class{Name: "Event", Version: 1, Sample: event{}},
		schema.Class{Name: "Legacy", Version: 6, Sample: legacyV6{}},
	)
	r := open(s.T(), reader, data)
	s.Assert().Zero(r.Schemas().Len())

	got, err := r.ReadAll()
	s.Require().Error(err)
	s.Require().Len(got, 2)
	s.Assert().Equal(&event{ID: 1}, got[0].Value)
	s.Assert().Equal(0, got[0].Index)
	s.Assert().Equal(&event{ID: 3}, got[1].Value)
	s.Assert().Equal(2, got[1].Index)

	errs, ok := err.(errsx.Map)
	s.Require().True(ok, "want errsx.Map, got %T", err)
	s.Assert().Len(errs, 1)
	s.Assert().Contains(errs, "record 1")

	var failed []Record
	s.Require().NoError(r.Scan(func(rec Record) error {
		if rec.Err != nil {
			failed = append(failed, rec)
		}
		return nil
	}))
	s.Require().Len(failed, 1)
	s.Assert().Equal(1, failed[0].Index)
	s.Assert().ErrorIs(failed[0].Err, schema.ErrUnresolvableVersion)
	var re *stream.RecordError
	s.Require().ErrorAs(failed[0].Err, &re)
	s.Assert().True(re.Recovered)
	s.Assert().Equal("Legacy", re.Class)
	s.Assert().Equal(int64(5), re.Version)
}

func (s *ContainerTestSuite) TestUnknownClassesArePlaceholders() {
	writer := newStreamer(s.T(),
		schema.Class{Name: "Event", Version: 1, Sample: event{}},
		schema.Class{Name: "Legacy", Version: 5, Sample: legacyV5{}},
	)
	data := write(s.T(), writer, []any{&legacyV5{Code: 2}, &event{ID: 3}})
	got, err := open(s.T(), s.st, data).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Assert().Equal(&stream.Unknown{Class: "Legacy", Version: 5, Payload: []byte{0, 0, 0, 2}}, got[0].Value)
}

func (s *ContainerTestSuite) TestEmbeddedSchemasDriveEvolution() {
	writer := newStreamer(s.T(), schema.Class{Name: "Pair", Version: 1, Sample: pairV1{}})
	data := write(s.T(), writer, []any{&pairV1{A: 1, B: 2}, &pairV1{A: 3, B: 4}})

	reader := newStreamer(s.T(), schema.Class{Name: "Pair", Version: 2, Sample: pairV2{}})
	r := open(s.T(), reader, data)
	_, ok := r.Schemas().Lookup("Pair", 1)
	s.Require().True(ok)

	got, err := r.ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Assert().Equal(&pairV2{A: 1, B: 2}, got[0].Value)
	s.Assert().Equal(&pairV2{A: 3, B: 4}, got[1].Value)
}

func (s *ContainerTestSuite) TestEmbeddedSchemaConflictsWithLiveLayout() {
	writer := newStreamer(s.T(), schema.Class{Name: "Pair", Version: 1, Sample: pairV1{}})
	data := write(s.T(), writer, []any{&pairV1{A: 1, B: 2}})

	reader := newStreamer(s.T(), schema.Class{Name: "Pair", Version: 1, Sample: pairSwapped{}})
	_, err := Open(bytes.NewReader(data), int64(len(data)), reader)
	s.Require().ErrorIs(err, schema.ErrSchemaConflict)
	var conflict *schema.SchemaConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Assert().Equal("Pair", conflict.Class)
	s.Assert().EqualValues(1, conflict.Version)

	// Files that do not embed their schemas cannot be checked.
	data = write(s.T(), writer, []any{&pairV1{A: 1, B: 2}}, WithEmbeddedSchemas(false))
	_, err = Open(bytes.NewReader(data), int64(len(data)), reader)
	s.Assert().NoError(err)
}

func (s *ContainerTestSuite) TestEmbeddedHistoricalSchemasMustAgree() {
	reader := newStreamer(s.T(), schema.Class{Name: "Pair", Version: 2, Sample: pairV2{}})
	first := write(s.T(), newStreamer(s.T(), schema.Class{Name: "Pair", Version: 1, Sample: pairV1{}}),
		[]any{&pairV1{A: 1, B: 2}})
	got, err := open(s.T(), reader, first).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Assert().Equal(&pairV2{A: 1, B: 2}, got[0].Value)

	second := write(s.T(), newStreamer(s.T(), schema.Class{Name: "Pair", Version: 1, Sample: pairSwapped{}}),
		[]any{&pairSwapped{A: 3, B: 4}})
	_, err = Open(bytes.NewReader(second), int64(len(second)), reader)
	s.Assert().ErrorIs(err, schema.ErrSchemaConflict)
}

func (s *ContainerTestSuite) TestCorruptSectionIsIsolated() {
	evs := events(60)
	data := write(s.T(), s.st, s.values(evs), WithSectionSize(512))
	r := open(s.T(), s.st, data)
	secs := r.Sections()
	s.Require().Greater(len(secs), 2)

	bad := bytes.Clone(data)
	bad[secs[1].Offset] = 9 // first block of section 1 claims an unknown algorithm
	r = open(s.T(), s.st, bad)

	got, err := r.ReadAll()
	s.Require().Error(err)
	s.Assert().Len(got, len(evs)-secs[1].Records)
	errs, ok := err.(errsx.Map)
	s.Require().True(ok)
	s.Assert().Contains(errs, "section 1")

	_, err = r.Verify()
	s.Assert().Error(err)

	_, err = r.RawSection(1)
	s.Assert().ErrorIs(err, compress.ErrCorruptBlock)
}

func (s *ContainerTestSuite) TestRandomAccess() {
	evs := events(50)
	data := write(s.T(), s.st, s.values(evs),
		WithSectionSize(1024),
		WithCompression(compress.Options{Algorithm: compress.LZ4, ChunkSize: 256}),
	)
	r := open(s.T(), s.st, data)
	last := len(r.Sections()) - 1
	blocks, err := r.Blocks(last)
	s.Require().NoError(err)
	s.Require().NotEmpty(blocks)

	raw, err := r.RawSection(last)
	s.Require().NoError(err)
	var joined []byte
	for _, b := range blocks {
		part, err := compress.ReadBlockAt(bytes.NewReader(data), b)
		s.Require().NoError(err)
		joined = append(joined, part...)
	}
	s.Assert().Equal(raw.Data, joined)

	var ids []uint64
	s.Require().NoError(r.ScanSection(last, func(rec Record) error {
		ids = append(ids, rec.Value.(*event).ID)
		return nil
	}))
	info := r.Sections()[last]
	s.Require().Len(ids, info.Records)
	s.Assert().Equal(uint64(info.First), ids[0])

	_, err = r.Blocks(last + 1)
	s.Assert().Error(err)
}

func (s *ContainerTestSuite) TestRecompress() {
	evs := events(120)
	data := write(s.T(), s.st, s.values(evs), WithSectionSize(1024))
	src := open(s.T(), s.st, data)

	var out bytes.Buffer
	s.Require().NoError(Recompress(&out, src, compress.Options{Algorithm: compress.LZMA}))
	dst := open(s.T(), s.st, out.Bytes())
	s.Assert().Equal(compress.LZMA, dst.Header().Algorithm)
	s.Assert().Equal(src.Header().ID, dst.Header().ID)
	s.Assert().True(src.Header().Created.Equal(dst.Header().Created))
	s.Assert().Equal(len(src.Sections()), len(dst.Sections()))
	s.Assert().Equal(src.Schemas().Len(), dst.Schemas().Len())

	got, err := dst.ReadAll()
	s.Require().NoError(err)
	s.Require().Len(got, len(evs))
	for i, rec := range got {
		s.Assert().Equal(evs[i], rec.Value)
	}
}

func (s *ContainerTestSuite) TestScanStopsOnCallbackError() {
	data := write(s.T(), s.st, s.values(events(10)))
	stop := errors.New("enough")
	n := 0
	err := open(s.T(), s.st, data).Scan(func(Record) error {
		n++
		if n == 3 {
			return stop
		}
		return nil
	})
	s.Assert().ErrorIs(err, stop)
	s.Assert().Equal(3, n)
}

func (s *ContainerTestSuite) TestWriterLifecycle() {
	var file bytes.Buffer
	w, err := NewWriter(&file, s.st)
	s.Require().NoError(err)
	s.Require().NoError(w.Write(&event{ID: 1}))
	s.Require().NoError(w.Flush())
	s.Require().NoError(w.Write(&event{ID: 2}))
	s.Assert().Equal(2, w.Records())
	s.Require().NoError(w.Close())
	s.Require().NoError(w.Close())
	s.Assert().ErrorIs(w.Write(&event{}), ErrClosed)
	s.Assert().ErrorIs(w.Flush(), ErrClosed)

	r := open(s.T(), s.st, file.Bytes())
	s.Assert().Len(r.Sections(), 2)

	w, err = NewWriter(&file, s.st)
	s.Require().NoError(err)
	s.Assert().ErrorIs(w.Write(&legacyV5{}), stream.ErrUnregisteredType)

	_, err = NewWriter(&file, s.st, WithCompression(compress.Options{Algorithm: compress.Algorithm(3)}))
	s.Assert().ErrorIs(err, compress.ErrUnknownAlgorithm)
}

func (s *ContainerTestSuite) TestEmptyFile() {
	data := write(s.T(), s.st, nil)
	r := open(s.T(), s.st, data)
	s.Assert().Zero(r.Records())
	s.Assert().Empty(r.Sections())
	got, err := r.ReadAll()
	s.Assert().NoError(err)
	s.Assert().Empty(got)
}

func (s *ContainerTestSuite) TestRejectsForeignFiles() {
	_, err := Open(bytes.NewReader([]byte("short")), 5, s.st)
	s.Assert().ErrorIs(err, ErrNotContainer)

	garbage := bytes.Repeat([]byte{0xAB}, 200)
	_, err = Open(bytes.NewReader(garbage), int64(len(garbage)), s.st)
	s.Assert().ErrorIs(err, ErrNotContainer)

	data := write(s.T(), s.st, []any{&event{ID: 1}})
	for _, cut := range []int{1, 8, 20} {
		short := data[:len(data)-cut]
		_, err := Open(bytes.NewReader(short), int64(len(short)), s.st)
		s.Assert().Error(err, "cut %d", cut)
	}

	moved := bytes.Clone(data)
	moved[len(moved)-trailerSize] ^= 0x01 // directory offset off by one
	_, err = Open(bytes.NewReader(moved), int64(len(moved)), s.st)
	s.Assert().Error(err)
}

func TestContainer(t *testing.T) {
	suite.Run(t, new(ContainerTestSuite))
}

func BenchmarkWriteRead(b *testing.B) {
	st := newStreamer(b, schema.Class{Name: "Event", Version: 1, Sample: event{}})
	evs := events(1000)
	values := make([]any, len(evs))
	for i, e := range evs {
		values[i] = e
	}
	b.ReportAllocs()
	for b.Loop() {
		data := write(b, st, values)
		r, err := Open(bytes.NewReader(data), int64(len(data)), st)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := r.ReadAll(); err != nil {
			b.Fatal(err)
		}
	}
}
