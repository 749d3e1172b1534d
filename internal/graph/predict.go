package graph

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var tracer = otel.Tracer("nock-graph")

// Predict runs one example through the graph. inputs must hold exactly the
// graph's input names, each with as many values as its shape holds. The
// result maps output names to host copies of the output values.
//
// The context is checked before computing starts; once started, the
// prediction runs to completion.
func (g *Graph) Predict(ctx context.Context, inputs map[string][]float32) (map[string][]float32, error) {
	ctx, span := tracer.Start(ctx, "Graph.Predict",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("graph.layers", len(g.nodes)),
			attribute.String("graph.device", g.deviceName()),
		))
	defer span.End()

	start := time.Now()
	out, err := g.predict(ctx, inputs)
	predictDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		predictTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	predictTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (g *Graph) predict(ctx context.Context, inputs map[string][]float32) (map[string][]float32, error) {
	if err := g.checkInputs(inputs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for name, vals := range inputs {
		if err := g.inputTensors[name].ReplaceData(vals); err != nil {
			return nil, err
		}
	}
	defer g.clearOutputs()

	device := g.deviceName()
	_, err := g.schedule(func(n *node) error {
		args := make([]*tensor.Tensor, 0, max(1, len(n.inbound)))
		if len(n.inbound) == 0 {
			args = append(args, g.inputTensors[n.name])
		}
		for _, in := range n.inbound {
			args = append(args, in.out)
		}
		t := time.Now()
		out, err := n.layer.Call(args)
		if err != nil {
			return err
		}
		LayerDuration.WithLabelValues(n.layer.Kind().String(), device).Observe(time.Since(t).Seconds())
		n.out = out
		g.computed[n.id]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.runs++

	result := make(map[string][]float32, len(g.outputs))
	for _, n := range g.outputs {
		l, err := n.out.Logical()
		if err != nil {
			return nil, errdefs.WithLayer(n.layer.Kind().String(), n.name, err)
		}
		key := n.name
		if g.sequential {
			key = SequentialOutput
		}
		result[key] = append([]float32(nil), l.Data()...)
	}
	return result, nil
}

// checkInputs requires the sorted key set of inputs to equal the graph
// inputs and every buffer to fill its input shape.
func (g *Graph) checkInputs(inputs map[string][]float32) error {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := g.InputNames()
	if len(keys) != len(want) {
		return errdefs.InvalidInputf("inputs %v, want %v", keys, want)
	}
	for i := range keys {
		if keys[i] != want[i] {
			return errdefs.InvalidInputf("inputs %v, want %v", keys, want)
		}
	}
	for name, vals := range inputs {
		t := g.inputTensors[name]
		if vals == nil || len(vals) != t.Len() {
			return errdefs.InvalidInputf("input %q holds %d values, shape %v needs %d", name, len(vals), t.Shape(), t.Len())
		}
	}
	return nil
}

// clearOutputs drops the intermediate results of a finished prediction.
func (g *Graph) clearOutputs() {
	for _, n := range g.nodes {
		n.out = nil
	}
}

func (g *Graph) deviceName() string {
	if g.backend == nil {
		return "cpu"
	}
	return g.backend.Name()
}

// Warmup runs one zero-filled prediction so every layer compiles its
// programs and allocates its shape-keyed resources. The state of stateful
// layers is reset afterwards.
func (g *Graph) Warmup(ctx context.Context) error {
	zeros := make(map[string][]float32, len(g.inputs))
	for _, n := range g.inputs {
		zeros[n.name] = make([]float32, g.inputTensors[n.name].Len())
	}
	if _, err := g.Predict(ctx, zeros); err != nil {
		return err
	}
	if g.Stateful() {
		g.ResetStates()
	}
	return nil
}
