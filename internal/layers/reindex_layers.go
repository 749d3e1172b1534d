package layers

import (
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// spatial addresses the (rows, cols, channels) cells of a rank 3 image in
// either data format.
type spatial struct {
	h, w, c       int
	channelsFirst bool
}

func newSpatial(shape []int, channelsFirst bool) (spatial, error) {
	if len(shape) != 3 {
		return spatial{}, errdefs.Shapef("expected rank 3 image, got %v", shape)
	}
	if channelsFirst {
		return spatial{h: shape[1], w: shape[2], c: shape[0], channelsFirst: true}, nil
	}
	return spatial{h: shape[0], w: shape[1], c: shape[2]}, nil
}

func (s spatial) shape() []int {
	if s.channelsFirst {
		return []int{s.c, s.h, s.w}
	}
	return []int{s.h, s.w, s.c}
}

func (s spatial) flat(i, j, ch int) int {
	if s.channelsFirst {
		return (ch*s.h+i)*s.w + j
	}
	return (i*s.w+j)*s.c + ch
}

// split returns (i, j, ch) of a multi-index of s.shape().
func (s spatial) split(idx []int) (int, int, int) {
	if s.channelsFirst {
		return idx[1], idx[2], idx[0]
	}
	return idx[0], idx[1], idx[2]
}

func channelsFirst(format string) (bool, error) {
	switch format {
	case "", "channels_last":
		return false, nil
	case "channels_first":
		return true, nil
	}
	return false, errdefs.Configf("data_format %q", format)
}

// fourSides reads Keras padding/cropping amounts into (top, bottom, left, right).
func fourSides(v Ints, def int) ([4]int, error) {
	switch len(v) {
	case 0:
		return [4]int{def, def, def, def}, nil
	case 1:
		return [4]int{v[0], v[0], v[0], v[0]}, nil
	case 2:
		return [4]int{v[0], v[0], v[1], v[1]}, nil
	case 4:
		return [4]int{v[0], v[1], v[2], v[3]}, nil
	}
	return [4]int{}, errdefs.Configf("expected 1, 2 or 4 amounts, got %v", []int(v))
}

func twoSides(v Ints, def int) ([2]int, error) {
	s, err := v.expand(2, def)
	if err != nil {
		return [2]int{}, err
	}
	for _, a := range s {
		if a < 0 {
			return [2]int{}, errdefs.Configf("negative amount %v", s)
		}
	}
	return [2]int{s[0], s[1]}, nil
}

func newReindex(name string, kind Kind, build func(shapes [][]int) (*gatherMap, error)) *reindex {
	return &reindex{base: newBase(name, kind), build: build}
}

// newTemporalShift covers ZeroPadding1D (sign 1) and Cropping1D (sign -1):
// the time axis of a [steps, features] input grows or shrinks at both ends.
func newTemporalShift(name string, kind Kind, amounts [2]int, sign int) *reindex {
	return newReindex(name, kind, func(shapes [][]int) (*gatherMap, error) {
		in := shapes[0]
		if len(in) != 2 {
			return nil, errdefs.Shapef("expected [steps, features], got %v", in)
		}
		steps := in[0] + sign*(amounts[0]+amounts[1])
		if steps <= 0 {
			return nil, errdefs.Shapef("cropping %v leaves no steps of %v", amounts, in)
		}
		g, err := newGatherMap([]int{steps, in[1]})
		if err != nil {
			return nil, err
		}
		forEachIndex(g.shape, func(i int, idx []int) {
			t := idx[0] - sign*amounts[0]
			if t < 0 || t >= in[0] {
				g.index[i] = -1
				return
			}
			g.index[i] = int32(t*in[1] + idx[1])
		})
		return g, nil
	})
}

// newSpatialShift is the 2-D form of newTemporalShift.
func newSpatialShift(name string, kind Kind, amounts [4]int, sign int, chFirst bool) *reindex {
	return newReindex(name, kind, func(shapes [][]int) (*gatherMap, error) {
		in, err := newSpatial(shapes[0], chFirst)
		if err != nil {
			return nil, err
		}
		out := in
		out.h += sign * (amounts[0] + amounts[1])
		out.w += sign * (amounts[2] + amounts[3])
		if out.h <= 0 || out.w <= 0 {
			return nil, errdefs.Shapef("cropping %v leaves nothing of %v", amounts, shapes[0])
		}
		g, err := newGatherMap(out.shape())
		if err != nil {
			return nil, err
		}
		forEachIndex(g.shape, func(k int, idx []int) {
			i, j, ch := out.split(idx)
			si, sj := i-sign*amounts[0], j-sign*amounts[2]
			if si < 0 || si >= in.h || sj < 0 || sj >= in.w {
				g.index[k] = -1
				return
			}
			g.index[k] = int32(in.flat(si, sj, ch))
		})
		return g, nil
	})
}

func newUpSampling1D(name string, size int) *reindex {
	return newReindex(name, KindUpSampling1D, func(shapes [][]int) (*gatherMap, error) {
		in := shapes[0]
		if len(in) != 2 {
			return nil, errdefs.Shapef("expected [steps, features], got %v", in)
		}
		g, err := newGatherMap([]int{in[0] * size, in[1]})
		if err != nil {
			return nil, err
		}
		forEachIndex(g.shape, func(i int, idx []int) {
			g.index[i] = int32((idx[0]/size)*in[1] + idx[1])
		})
		return g, nil
	})
}

func newUpSampling2D(name string, size [2]int, chFirst bool) *reindex {
	return newReindex(name, KindUpSampling2D, func(shapes [][]int) (*gatherMap, error) {
		in, err := newSpatial(shapes[0], chFirst)
		if err != nil {
			return nil, err
		}
		out := in
		out.h *= size[0]
		out.w *= size[1]
		g, err := newGatherMap(out.shape())
		if err != nil {
			return nil, err
		}
		forEachIndex(g.shape, func(k int, idx []int) {
			i, j, ch := out.split(idx)
			g.index[k] = int32(in.flat(i/size[0], j/size[1], ch))
		})
		return g, nil
	})
}

// newPermute takes Keras dims, 1-based and excluding the batch axis.
func newPermute(name string, dims []int) (*reindex, error) {
	seen := make([]bool, len(dims))
	perm := make([]int, len(dims))
	for i, d := range dims {
		if d < 1 || d > len(dims) || seen[d-1] {
			return nil, errdefs.Configf("dims %v is not a permutation", dims)
		}
		seen[d-1] = true
		perm[i] = d - 1
	}
	return newReindex(name, KindPermute, func(shapes [][]int) (*gatherMap, error) {
		in := shapes[0]
		if len(in) != len(perm) {
			return nil, errdefs.Shapef("permutation of rank %d for input %v", len(perm), in)
		}
		shape := make([]int, len(perm))
		for i, p := range perm {
			shape[i] = in[p]
		}
		g, err := newGatherMap(shape)
		if err != nil {
			return nil, err
		}
		src := make([]int, len(in))
		forEachIndex(shape, func(k int, idx []int) {
			for i, p := range perm {
				src[p] = idx[i]
			}
			g.index[k] = int32(flatIndex(in, src))
		})
		return g, nil
	}), nil
}

// resolveShape fills a single -1 entry of target so that it holds n cells.
func resolveShape(target []int, n int) ([]int, error) {
	shape := append([]int(nil), target...)
	known, free := 1, -1
	for i, d := range shape {
		switch {
		case d == -1 && free < 0:
			free = i
		case d > 0:
			known *= d
		default:
			return nil, errdefs.Configf("target_shape %v", target)
		}
	}
	if free >= 0 && n%known == 0 {
		shape[free] = n / known
		known = n
	}
	if known != n {
		return nil, errdefs.Shapef("cannot reshape %d cells to %v", n, target)
	}
	return shape, nil
}

// newReshape covers Reshape and Flatten (a nil target flattens).
func newReshape(name string, kind Kind, target []int) *reindex {
	return newReindex(name, kind, func(shapes [][]int) (*gatherMap, error) {
		n := 1
		for _, d := range shapes[0] {
			n *= d
		}
		shape := []int{n}
		if target != nil {
			var err error
			if shape, err = resolveShape(target, n); err != nil {
				return nil, err
			}
		}
		return identityMap(shape), nil
	})
}

func newRepeatVector(name string, n int) *reindex {
	return newReindex(name, KindRepeatVector, func(shapes [][]int) (*gatherMap, error) {
		in := shapes[0]
		if len(in) != 1 {
			return nil, errdefs.Shapef("RepeatVector needs a vector, got %v", in)
		}
		g, err := newGatherMap([]int{n, in[0]})
		if err != nil {
			return nil, err
		}
		for i := range g.index {
			g.index[i] = int32(i % in[0])
		}
		return g, nil
	})
}

// kerasAxis converts a Keras axis, which counts the batch dimension when
// positive, into an axis of an example of the given rank.
func kerasAxis(axis, rank int) (int, error) {
	if axis > 0 {
		axis--
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, errdefs.Shapef("axis out of range for rank %d", rank)
	}
	return axis, nil
}

func newConcatenate(name string, axisCfg int) *reindex {
	return newReindex(name, KindConcatenate, func(shapes [][]int) (*gatherMap, error) {
		rank := len(shapes[0])
		axis, err := kerasAxis(axisCfg, rank)
		if err != nil {
			return nil, err
		}
		shape := append([]int(nil), shapes[0]...)
		shape[axis] = 0
		offsets := make([]int, len(shapes))
		for s, in := range shapes {
			if len(in) != rank {
				return nil, errdefs.Shapef("concatenate of ranks %d and %d", rank, len(in))
			}
			for d := range in {
				if d != axis && in[d] != shapes[0][d] {
					return nil, errdefs.Shapef("concatenate along axis %d of %v and %v", axis, shapes[0], in)
				}
			}
			offsets[s] = shape[axis]
			shape[axis] += in[axis]
		}

		g, err := newGatherMap(shape)
		if err != nil {
			return nil, err
		}
		g.source = make([]int32, len(g.index))
		src := make([]int, rank)
		forEachIndex(shape, func(k int, idx []int) {
			s := len(shapes) - 1
			for s > 0 && idx[axis] < offsets[s] {
				s--
			}
			copy(src, idx)
			src[axis] -= offsets[s]
			g.source[k] = int32(s)
			g.index[k] = int32(flatIndex(shapes[s], src))
		})
		return g, nil
	})
}
