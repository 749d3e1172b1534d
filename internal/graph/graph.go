// Package graph builds a layer DAG from a Keras model description, binds
// weights from an archive and runs predictions through it.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/layers"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// SequentialInput and SequentialOutput name the single input and output of
// a Sequential model.
const (
	SequentialInput  = "input"
	SequentialOutput = "output"
)

// WeightSource resolves a weight name prefix to a tensor.
// *weights.Archive implements it.
type WeightSource interface {
	Lookup(prefix string) (*tensor.Tensor, error)
}

// Options configures a Graph.
type Options struct {
	// Backend selects the GPU path for every layer; nil runs on the CPU.
	Backend device.Backend
}

// DefaultOptions runs on the CPU.
func DefaultOptions() Options {
	return Options{}
}

type node struct {
	id       int
	name     string
	layer    layers.Layer
	inbound  []*node
	outbound []*node
	out      *tensor.Tensor
}

// Graph is a built model. Predict is safe for concurrent use but runs one
// prediction at a time; use several graphs for parallelism.
type Graph struct {
	mu sync.Mutex

	sequential bool
	nodes      []*node
	byName     map[string]*node
	inputs     []*node
	outputs    []*node
	// inputTensors are owned by the graph and refilled on every Predict.
	inputTensors map[string]*tensor.Tensor

	backend  device.Backend
	computed []int
	runs     int
}

// builder accumulates nodes while walking a description.
type builder struct {
	g       *Graph
	weights WeightSource
	// alias maps a nested Sequential node name to its last layer.
	alias   map[string]string
	pending [][2]string
}

// Build instantiates the model described by modelJSON, binding every layer
// parameter "<layer>/<param>" to the first archive record with that prefix.
func Build(modelJSON []byte, ws WeightSource, opts Options) (*Graph, error) {
	desc, err := parseDescription(modelJSON)
	if err != nil {
		return nil, err
	}
	b := &builder{
		g: &Graph{
			sequential:   desc.className == "Sequential",
			byName:       make(map[string]*node),
			inputTensors: make(map[string]*tensor.Tensor),
		},
		weights: ws,
		alias:   make(map[string]string),
	}
	if b.g.sequential {
		err = b.sequential(desc.layers)
	} else {
		err = b.model(desc.layers)
	}
	if err != nil {
		return nil, err
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	g := b.g
	if err := g.finish(); err != nil {
		return nil, err
	}
	g.SetBackend(opts.Backend)
	log.Debug().Int("layers", len(g.nodes)).Strs("inputs", g.InputNames()).Strs("outputs", g.OutputNames()).
		Bool("sequential", g.sequential).Msg("Built graph")
	return g, nil
}

func (b *builder) sequential(defs []layerDef) error {
	shape, err := defs[0].batchInputShape()
	if err != nil {
		return err
	}
	if err := b.input(SequentialInput, shape); err != nil {
		return err
	}
	prev := SequentialInput
	for _, d := range defs {
		name, err := b.add(d, []string{prev})
		if err != nil {
			return err
		}
		prev = name
	}
	return nil
}

func (b *builder) model(defs []layerDef) error {
	for _, d := range defs {
		in, err := d.inbound()
		if err != nil {
			return err
		}
		switch d.ClassName {
		case "Sequential", "Model", "Functional":
			if err := b.branch(d, in); err != nil {
				return err
			}
			continue
		case "InputLayer":
			name, err := d.layerName()
			if err != nil {
				return err
			}
			shape, err := d.batchInputShape()
			if err != nil {
				return err
			}
			if err := b.input(name, shape); err != nil {
				return err
			}
			continue
		}
		if _, err := b.add(d, in); err != nil {
			return err
		}
	}
	return nil
}

// branch chains the layers of a nested Sequential: its first layer takes
// the node's inbound edges, its last layer stands in for the node's name.
func (b *builder) branch(d layerDef, in []string) error {
	if d.ClassName != "Sequential" {
		return errdefs.Unsupportedf("nested %s models", d.ClassName)
	}
	seqName, err := d.layerName()
	if err != nil {
		return err
	}
	defs, err := layerList(d.Config)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return errdefs.Configf("nested Sequential %q has no layers", seqName)
	}
	prev := in
	var last string
	for _, sub := range defs {
		if last, err = b.add(sub, prev); err != nil {
			return err
		}
		prev = []string{last}
	}
	b.alias[seqName] = last
	return nil
}

func (b *builder) input(name string, shape []int) error {
	if _, dup := b.g.byName[name]; dup {
		return errdefs.Configf("duplicate layer name %q", name)
	}
	l, err := layers.New(name, layers.InputConfig{BatchInputShape: batchShape(shape)})
	if err != nil {
		return err
	}
	n := b.node(name, l)
	b.g.inputs = append(b.g.inputs, n)
	b.g.inputTensors[name] = tensor.Zeros(shape...)
	return nil
}

func batchShape(shape []int) []*int {
	out := []*int{nil}
	for _, d := range shape {
		v := d
		out = append(out, &v)
	}
	return out
}

func (b *builder) node(name string, l layers.Layer) *node {
	n := &node{id: len(b.g.nodes), name: name, layer: l}
	b.g.nodes = append(b.g.nodes, n)
	b.g.byName[name] = n
	return n
}

// add creates the layer of d and records its inbound edges for link.
func (b *builder) add(d layerDef, inbound []string) (string, error) {
	name, err := d.layerName()
	if err != nil {
		return "", err
	}
	if _, dup := b.g.byName[name]; dup {
		return "", errdefs.Configf("duplicate layer name %q", name)
	}
	cfg, err := layers.ParseConfig(d.ClassName, d.Config)
	if err != nil {
		return "", errdefs.WithLayer(d.ClassName, name, err)
	}
	l, err := layers.New(name, cfg)
	if err != nil {
		return "", err
	}
	if err := b.bind(l); err != nil {
		return "", err
	}
	b.node(name, l)
	for _, from := range inbound {
		b.pending = append(b.pending, [2]string{from, name})
	}
	log.Debug().Str("layer", name).Str("kind", l.Kind().String()).Strs("inbound", inbound).Msg("Added layer")
	return name, nil
}

func (b *builder) bind(l layers.Layer) error {
	params := l.Params()
	if len(params) == 0 {
		return nil
	}
	ws := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		prefix := l.Name() + "/" + p
		if b.weights == nil {
			return errdefs.WithLayer(l.Kind().String(), l.Name(), errdefs.MissingWeightf("no weight archive for %q", prefix))
		}
		w, err := b.weights.Lookup(prefix)
		if err != nil {
			return errdefs.WithLayer(l.Kind().String(), l.Name(), err)
		}
		ws[p] = w
	}
	return l.SetWeights(ws)
}

// link resolves the recorded edges once every node exists, so inbound
// references may point forward in the layer list.
func (b *builder) link() error {
	for _, e := range b.pending {
		fromName := e[0]
		if a, ok := b.alias[fromName]; ok {
			fromName = a
		}
		from, ok := b.g.byName[fromName]
		if !ok {
			return errdefs.Configf("layer %q: unknown inbound layer %q", e[1], e[0])
		}
		to := b.g.byName[e[1]]
		to.inbound = append(to.inbound, from)
		from.outbound = append(from.outbound, to)
	}
	return nil
}

// finish validates the DAG and fixes the sorted input and output lists.
func (g *Graph) finish() error {
	for _, n := range g.nodes {
		switch {
		case len(n.inbound) == 0 && n.layer.Kind() != layers.KindInput:
			return errdefs.Configf("layer %q has no inbound layers", n.name)
		case len(n.inbound) > 1 && !n.layer.Kind().IsMerge():
			return errdefs.Configf("layer %q (%s) takes one input, has %d", n.name, n.layer.Kind(), len(n.inbound))
		case n.layer.Kind().IsMerge() && len(n.inbound) < 2:
			return errdefs.Configf("merge layer %q has %d inbound layers", n.name, len(n.inbound))
		}
		if len(n.outbound) == 0 {
			g.outputs = append(g.outputs, n)
		}
	}
	sort.Slice(g.inputs, func(i, j int) bool { return g.inputs[i].name < g.inputs[j].name })
	sort.Slice(g.outputs, func(i, j int) bool { return g.outputs[i].name < g.outputs[j].name })
	if len(g.inputs) == 0 {
		return errdefs.Configf("model has no input layers")
	}
	if g.sequential && len(g.outputs) != 1 {
		return errdefs.Configf("sequential model with %d outputs", len(g.outputs))
	}

	// Every node must be reachable from the inputs exactly once the
	// scheduler has drained; anything left over is a cycle.
	order, err := g.schedule(func(*node) error { return nil })
	if err != nil {
		return err
	}
	if order != len(g.nodes) {
		return errdefs.Configf("model graph has a cycle or unreachable layers (%d of %d scheduled)", order, len(g.nodes))
	}
	g.computed = make([]int, len(g.nodes))
	return nil
}

// SetBackend moves every layer to b, or to the CPU when b is nil. Layer
// resources held on the previous backend are released.
func (g *Graph) SetBackend(b device.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.layer.SetBackend(b)
	}
	g.backend = b
}

// Backend returns the backend layers run on, nil for the CPU.
func (g *Graph) Backend() device.Backend { return g.backend }

// InputNames returns the sorted input layer names.
func (g *Graph) InputNames() []string { return names(g.inputs) }

// OutputNames returns the keys of Predict results, sorted.
func (g *Graph) OutputNames() []string {
	if g.sequential {
		return []string{SequentialOutput}
	}
	return names(g.outputs)
}

// InputShape returns the example shape of input name.
func (g *Graph) InputShape(name string) ([]int, bool) {
	t, ok := g.inputTensors[name]
	if !ok {
		return nil, false
	}
	return append([]int(nil), t.Shape()...), true
}

// Layers returns the number of layers, input layers included.
func (g *Graph) Layers() int { return len(g.nodes) }

// Stateful reports whether any layer keeps state between predictions.
func (g *Graph) Stateful() bool {
	for _, n := range g.nodes {
		if n.layer.Stateful() {
			return true
		}
	}
	return false
}

// ResetStates clears the state of every stateful layer.
func (g *Graph) ResetStates() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if r, ok := n.layer.(layers.Resetter); ok {
			r.ResetStates()
		}
	}
}

// Release frees every backend resource held by the layers.
func (g *Graph) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.layer.Release()
		n.out = nil
	}
}

// Stats reports how often each layer has been computed.
type Stats struct {
	Runs     int
	Computed map[string]int
}

// Stats returns a snapshot of the compute counters.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{Runs: g.runs, Computed: make(map[string]int, len(g.nodes))}
	for _, n := range g.nodes {
		s.Computed[n.name] = g.computed[n.id]
	}
	return s
}

func names(ns []*node) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.name
	}
	return out
}

func (n *node) String() string {
	return fmt.Sprintf("%s(%s)", n.name, n.layer.Kind())
}
