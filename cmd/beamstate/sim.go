package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/x448/float16"

	"github.com/samcharles93/beamstate/internal/arena"
	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/geometry"
	"github.com/samcharles93/beamstate/internal/kvcache"
	"github.com/samcharles93/beamstate/internal/logger"
	"github.com/samcharles93/beamstate/internal/logits"
	"github.com/samcharles93/beamstate/internal/step"
)

type simState = step.State[int32, float32, float16.Float16]

// Invariant names used in reports.
const (
	checkPositions   = "positions"
	checkMask        = "mask"
	checkIndirection = "indirection"
	checkEOS         = "eos_merge"
	checkCache       = "cache_layout"
	checkRoundTrip   = "cache_round_trip"
)

// simulation is one generation driven on its own stream.
type simulation struct {
	name     string
	dims     geometry.Dims
	layers   int
	input    int
	steps    int
	eos      []int32
	growMask bool
	seed     uint64
}

type streamReport struct {
	Stream      string                        `json:"stream"`
	Steps       int                           `json:"steps"`
	Length      int                           `json:"length"`
	Elapsed     time.Duration                 `json:"elapsed_ns"`
	ArenaBytes  int                           `json:"arena_bytes"`
	ArenaMapped bool                          `json:"arena_mapped"`
	EOSHits     int                           `json:"eos_hits"`
	Kernels     map[string]device.KernelStats `json:"kernels"`
	Violations  map[string]int                `json:"violations"`
	Lineage     []int64                       `json:"lineage"`
}

func (r streamReport) violations() int {
	n := 0
	for _, v := range r.Violations {
		n += v
	}
	return n
}

// arenaBytes is the arena capacity run allocates from.
func arenaBytes(d geometry.Dims, layers int) int {
	bb := d.BatchBeam()
	table := bb * d.MaxLength
	cache := bb * d.Heads * d.MaxLength * d.HeadSize
	n := 2*arena.Size[int32](bb) +
		4*arena.Size[int32](table) +
		arena.Size[float32](bb*d.Vocab) +
		arena.Size[float16.Float16](bb*d.Vocab) +
		(4*layers+1)*arena.Size[float16.Float16](cache) +
		arena.Size[int64](table)
	return n + arena.Align
}

func (sim simulation) run(ctx context.Context, pool *device.Pool, log logger.Logger) (rep streamReport, err error) {
	d := sim.dims
	bb := d.BatchBeam()
	rep = streamReport{Stream: sim.name, Violations: map[string]int{}}

	a, err := arena.New(arenaBytes(d, sim.layers))
	if err != nil {
		return rep, err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	rep.ArenaBytes = a.Cap()
	rep.ArenaMapped = a.Mapped()

	st := &simState{
		Dims:        d,
		InputLength: sim.input,
		Length:      sim.input,
		Positions:   arena.MustAlloc[int32](a, bb),
		Mask:        geometry.NewMask(bb, d.MaxLength, arena.MustAlloc[int32](a, bb*d.MaxLength)),
		Logits:      geometry.NewLogits(bb, d.Vocab, arena.MustAlloc[float32](a, bb*d.Vocab)),
		EOS:         sim.eos,
		BeamIDs:     geometry.NewBeamIDs(d, arena.MustAlloc[int32](a, bb)),
	}
	if sim.growMask {
		spare := geometry.NewMask(bb, d.MaxLength, arena.MustAlloc[int32](a, bb*d.MaxLength))
		st.MaskSpare = &spare
	}
	for i := range st.Indirection {
		st.Indirection[i] = geometry.NewIndirection(d, arena.MustAlloc[int32](a, bb*d.MaxLength))
	}
	cacheDims := d
	cacheDims.Batch, cacheDims.Beams = bb, 1
	newCache := func(layout geometry.Layout) geometry.Cache[float16.Float16] {
		return geometry.NewCache(cacheDims, layout, arena.MustAlloc[float16.Float16](a, bb*d.Heads*d.MaxLength*d.HeadSize))
	}
	st.Layers = make([]step.LayerCache[float16.Float16], sim.layers)
	for i := range st.Layers {
		st.Layers[i] = step.LayerCache[float16.Float16]{
			Key:       newCache(geometry.LayoutTimeMajor),
			Value:     newCache(geometry.LayoutTimeMajor),
			KeyRead:   newCache(geometry.LayoutChunkMajor),
			ValueRead: newCache(geometry.LayoutChunkMajor),
		}
	}
	for r := range bb {
		st.Positions[r] = int32(sim.input - 1)
		row := st.Mask.Row(r)
		for c := range sim.input {
			row[c] = 1
		}
	}

	s := device.NewStream(sim.name, pool, log)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fwd := &syntheticForward{
		seed: sim.seed,
		half: geometry.NewLogits(bb, d.Vocab, arena.MustAlloc[float16.Float16](a, bb*d.Vocab)),
	}
	pol := &rankPolicy{stopAt: min(sim.input+sim.steps, d.MaxLength)}
	r, err := step.NewRunner[int32, float32, float16.Float16](s, st, fwd, pol, log)
	if err != nil {
		return rep, err
	}

	start := time.Now()
	for {
		done, err := r.Step(ctx)
		if errors.Is(err, step.ErrMaxLength) {
			break
		}
		if err != nil {
			return rep, fmt.Errorf("%s: step %d: %w", sim.name, r.Steps(), err)
		}
		checkStep(st, r.Indirection(), rep.Violations)
		if done {
			break
		}
	}
	rep.Elapsed = time.Since(start)
	rep.Steps = r.Steps()
	rep.Length = st.Length
	rep.EOSHits = pol.eosHits

	scratch := newCache(geometry.LayoutTimeMajor)
	for _, l := range st.Layers {
		if err := kvcache.Restore(s, scratch, l.KeyRead); err != nil {
			return rep, err
		}
		if err := s.Synchronize(ctx); err != nil {
			return rep, err
		}
		if !slices.Equal(scratch.Data, l.Key.Data) {
			rep.Violations[checkRoundTrip]++
		}
	}

	wide := arena.MustAlloc[int64](a, bb*d.MaxLength)
	if err := logits.ConvertIndexWidth(s, wide, r.Indirection().Data); err != nil {
		return rep, err
	}
	if err := s.Synchronize(ctx); err != nil {
		return rep, err
	}
	rep.Lineage = slices.Clone(wide[:st.Length])
	rep.Kernels = s.Stats()
	return rep, nil
}

// checkStep counts invariant violations in the state left by a completed step.
func checkStep(st *simState, ind geometry.Indirection[int32], counts map[string]int) {
	d := st.Dims
	bb := d.BatchBeam()
	for _, p := range st.Positions {
		if int(p) != st.Length-1 {
			counts[checkPositions]++
		}
	}
	for r := range bb {
		for c, v := range st.Mask.Row(r) {
			if (c < st.Length) != (v == 1) || (v != 0 && v != 1) {
				counts[checkMask]++
			}
		}
	}
	for r := range bb {
		w := int32(r % d.Beams)
		for t := range st.Length {
			v := ind.Data[r*d.MaxLength+t]
			switch {
			case t < st.InputLength && v != 0,
				t >= st.InputLength && t == st.Length-1 && v != w,
				v < 0 || int(v) >= d.Beams:
				counts[checkIndirection]++
			}
		}
	}
	if len(st.EOS) > 1 {
		for r := range bb {
			row := st.Logits.Row(r)
			for _, id := range st.EOS[1:] {
				if !math.IsInf(float64(row[id]), -1) {
					counts[checkEOS]++
				}
			}
		}
	}
	for _, l := range st.Layers {
		for _, pair := range [][2]geometry.Cache[float16.Float16]{{l.Key, l.KeyRead}, {l.Value, l.ValueRead}} {
			tm, cm := pair[0], pair[1]
			for r := range bb {
				for n := range d.Heads {
					for t := range st.Length {
						for h := range d.HeadSize {
							if tm.Data[tm.At(r, n, t, h)] != cm.Data[cm.At(r, n, t, h)] {
								counts[checkCache]++
							}
						}
					}
				}
			}
		}
	}
}

// syntheticForward stands in for a model: it writes deterministic half-precision
// scores, widens them into the logits buffer and appends one cache step per layer.
// End-of-sequence scores climb with every generated token.
type syntheticForward struct {
	seed uint64
	half geometry.Logits[float16.Float16]
}

func (f *syntheticForward) Forward(_ context.Context, s *device.Stream, st *simState) error {
	d := st.Dims
	rows, vocab := st.Logits.Rows, st.Logits.Vocab
	n := rows * vocab
	t := st.Length - 1
	bias := float32(t-st.InputLength+1) * 0.75
	isEOS := make([]bool, vocab)
	for _, id := range st.EOS {
		if id >= 0 && int(id) < vocab {
			isEOS[id] = true
		}
	}
	half, seed := f.half.Data, f.seed
	if err := s.Launch("synthetic_logits", device.D1(device.Ceil(n, 256)), device.D1(256), func(th device.Thread) {
		i := th.GlobalX()
		if i >= n {
			return
		}
		v := score(seed, t, i/vocab, i%vocab)
		if isEOS[i%vocab] {
			v += bias
		}
		half[i] = float16.Fromfloat32(v)
	}); err != nil {
		return err
	}
	if err := logits.Float16ToFloat32(s, st.Logits.Data, half); err != nil {
		return err
	}

	total := rows * d.Heads * d.HeadSize
	for li, l := range st.Layers {
		k, v := l.Key, l.Value
		salt := seed + uint64(li+1)*0x51ED27
		if err := s.Launch("synthetic_kv", device.D1(device.Ceil(total, 256)), device.D1(256), func(th device.Thread) {
			i := th.GlobalX()
			if i >= total {
				return
			}
			h := i % d.HeadSize
			hn := i / d.HeadSize
			r, head := hn/d.Heads, hn%d.Heads
			k.Data[k.At(r, head, t, h)] = float16.Fromfloat32(score(salt, t, hn, h))
			v.Data[v.At(r, head, t, h)] = float16.Fromfloat32(score(^salt, t, hn, h))
		}); err != nil {
			return err
		}
	}
	return nil
}

// score hashes its coordinates into [-4, 4).
func score(seed uint64, a, b, c int) float32 {
	x := seed ^ uint64(a)*0x9E3779B97F4A7C15 ^ uint64(b)*0xBF58476D1CE4E5B9 ^ uint64(c)*0x94D049BB133111EB
	x ^= x >> 30
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 27
	x *= 0x94D049BB133111EB
	x ^= x >> 31
	return float32(x>>40)/float32(1<<24)*8 - 4
}

// rankPolicy orders each batch entry's beams by their best score and lets beam k
// continue the k-th best. It stops once every entry's leading beam prefers the
// primary end-of-sequence token, or at stopAt.
type rankPolicy struct {
	stopAt  int
	eosHits int
	best    []float32
	order   []int
}

func (p *rankPolicy) Select(_ context.Context, st *simState) (step.Selection, error) {
	d := st.Dims
	if len(p.best) != d.Beams {
		p.best = make([]float32, d.Beams)
		p.order = make([]int, d.Beams)
	}
	finished := len(st.EOS) > 0
	for b := range d.Batch {
		for w := range d.Beams {
			p.best[w] = slices.Max(st.Logits.Row(b*d.Beams + w))
			p.order[w] = w
		}
		sort.SliceStable(p.order, func(i, j int) bool { return p.best[p.order[i]] > p.best[p.order[j]] })
		for k, parent := range p.order {
			st.BeamIDs.Data[st.BeamIDs.Offset(b, k)] = int32(b*d.Beams + parent)
		}
		if len(st.EOS) > 0 {
			lead := st.Logits.Row(b*d.Beams + p.order[0])
			if int32(argmax(lead)) == st.EOS[0] {
				p.eosHits++
			} else {
				finished = false
			}
		}
	}
	return step.Selection{Done: finished || st.Length >= p.stopAt}, nil
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
