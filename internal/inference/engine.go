// Package inference serves predictions from a pool of graph replicas.
package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-nock/internal/cache"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/graph"
)

var tracer = otel.Tracer("nock-inference")

// Config configures an Engine.
type Config struct {
	// Replicas is the number of independent graphs built from the model.
	// Graphs with stateful layers always get one replica.
	Replicas int
	// NewBackend returns the backend of replica i. Nil runs every replica
	// on the CPU.
	NewBackend func(replica int) (device.Backend, error)
	// Cache, when set, memoizes predictions of stateless graphs.
	Cache cache.PredictionCache
	// Warmup runs a zero prediction on every replica before serving.
	Warmup bool
}

// DefaultConfig returns a single warmed-up CPU replica without a cache.
func DefaultConfig() Config {
	return Config{Replicas: 1, Warmup: true}
}

// Engine dispatches predictions to free graph replicas.
type Engine struct {
	replicas []*graph.Graph
	free     chan int
	cache    cache.PredictionCache
	stateful bool
}

// NewEngine builds cfg.Replicas graphs from the same model and weights.
func NewEngine(ctx context.Context, modelJSON []byte, ws graph.WeightSource, cfg Config) (*Engine, error) {
	n := max(cfg.Replicas, 1)
	e := &Engine{cache: cfg.Cache}

	for i := 0; i < n; i++ {
		var b device.Backend
		if cfg.NewBackend != nil {
			var err error
			if b, err = cfg.NewBackend(i); err != nil {
				e.Close()
				return nil, fmt.Errorf("replica %d backend: %w", i, err)
			}
		}
		g, err := graph.Build(modelJSON, ws, graph.Options{Backend: b})
		if err != nil {
			e.Close()
			return nil, err
		}
		if i == 0 && g.Stateful() {
			e.stateful = true
			if n > 1 {
				log.Warn().Int("replicas", n).Msg("Stateful model, using a single replica")
				n = 1
			}
			if e.cache != nil {
				log.Warn().Msg("Stateful model, prediction cache disabled")
				e.cache = nil
			}
		}
		if cfg.Warmup {
			if err := g.Warmup(ctx); err != nil {
				g.Release()
				e.Close()
				return nil, fmt.Errorf("replica %d warmup: %w", i, err)
			}
		}
		e.replicas = append(e.replicas, g)
	}

	e.free = make(chan int, len(e.replicas))
	for i := range e.replicas {
		e.free <- i
	}
	first := e.replicas[0]
	log.Info().
		Int("replicas", len(e.replicas)).
		Int("layers", first.Layers()).
		Strs("inputs", first.InputNames()).
		Strs("outputs", first.OutputNames()).
		Bool("stateful", e.stateful).
		Bool("cache", e.cache != nil).
		Msg("Inference engine ready")
	return e, nil
}

func (e *Engine) acquire(ctx context.Context) (int, error) {
	start := time.Now()
	select {
	case i := <-e.free:
		replicaWait.Observe(time.Since(start).Seconds())
		replicasBusy.Inc()
		return i, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *Engine) release(i int) {
	replicasBusy.Dec()
	e.free <- i
}

// Predict runs one example on the first free replica.
func (e *Engine) Predict(ctx context.Context, inputs map[string][]float32) (map[string][]float32, error) {
	ctx, span := tracer.Start(ctx, "Engine.Predict")
	defer span.End()

	out, err := e.predict(ctx, inputs)
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	requestsTotal.WithLabelValues("ok").Inc()
	return out, nil
}

func (e *Engine) predict(ctx context.Context, inputs map[string][]float32) (map[string][]float32, error) {
	var key uint64
	if e.cache != nil {
		key = cache.Key(inputs)
		if out, ok := e.cache.Get(key); ok {
			cacheHits.Inc()
			return out, nil
		}
		cacheMisses.Inc()
	}

	i, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(i)

	out, err := e.replicas[i].Predict(ctx, inputs)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(key, out)
	}
	return out, nil
}

// PredictBatch runs every example, spreading them over the replicas.
// Results are in input order. The first failure cancels the examples that
// have not started yet.
func (e *Engine) PredictBatch(ctx context.Context, batch []map[string][]float32) ([]map[string][]float32, error) {
	ctx, span := tracer.Start(ctx, "Engine.PredictBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	batchSize.Observe(float64(len(batch)))

	results := make([]map[string][]float32, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(e.replicas))
	for i, inputs := range batch {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := e.Predict(gctx, inputs)
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return results, nil
}

// InputNames returns the sorted model input names.
func (e *Engine) InputNames() []string { return e.replicas[0].InputNames() }

// OutputNames returns the sorted keys of prediction results.
func (e *Engine) OutputNames() []string { return e.replicas[0].OutputNames() }

// InputShape returns the example shape of input name.
func (e *Engine) InputShape(name string) ([]int, bool) { return e.replicas[0].InputShape(name) }

// Replicas returns the number of graph replicas.
func (e *Engine) Replicas() int { return len(e.replicas) }

// Stateful reports whether the model keeps state between predictions.
func (e *Engine) Stateful() bool { return e.stateful }

// ResetStates clears recurrent state on every replica.
func (e *Engine) ResetStates() {
	for _, g := range e.replicas {
		g.ResetStates()
	}
}

// Stats returns the compute counters of every replica.
func (e *Engine) Stats() []graph.Stats {
	out := make([]graph.Stats, len(e.replicas))
	for i, g := range e.replicas {
		out[i] = g.Stats()
	}
	return out
}

// Close releases the backend resources of every replica.
func (e *Engine) Close() {
	for _, g := range e.replicas {
		g.Release()
	}
}
