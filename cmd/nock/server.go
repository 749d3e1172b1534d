package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/errdefs"
)

var (
	examplesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_examples_processed_total",
		Help: "The total number of examples predicted by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_request_duration_seconds",
		Help:    "Time spent processing predict requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	forwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_forward_errors_total",
		Help: "Total number of prediction batches that could not be forwarded",
	})
)

// Predictor runs predictions; *inference.Engine implements it.
type Predictor interface {
	Predict(ctx context.Context, inputs map[string][]float32) (map[string][]float32, error)
	PredictBatch(ctx context.Context, batch []map[string][]float32) ([]map[string][]float32, error)
	InputNames() []string
	OutputNames() []string
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// errTooLarge rejects requests that could never be admitted.
var errTooLarge = errors.New("request exceeds admission limit")

type Server struct {
	engine        Predictor
	flightClient  FlightClientInterface
	datasetName   string
	alloc         memory.Allocator
	records       *client.RecordBuilder
	sem           *semaphore.Weighted
	maxConcurrent int64
}

func NewServer(engine Predictor, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	maxConcurrent = max(maxConcurrent, 1)
	return &Server{
		engine:        engine,
		flightClient:  fc,
		datasetName:   dataset,
		alloc:         alloc,
		records:       client.NewRecordBuilder(alloc),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/predict/arrow", s.handlePredictArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Strs("inputs", srv.engine.InputNames()).Msg("Starting Nock Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding to Longbow at specified server address")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("nock-server")

// predictRows admits len(rows) examples, predicts them and forwards the
// outputs when a Longbow client is configured.
func (s *Server) predictRows(ctx context.Context, rows []map[string][]float32) ([]map[string][]float32, error) {
	weight := int64(len(rows))
	if weight > s.maxConcurrent {
		return nil, fmt.Errorf("%d examples, limit %d: %w", weight, s.maxConcurrent, errTooLarge)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer s.sem.Release(weight)

	out, err := s.engine.PredictBatch(ctx, rows)
	if err != nil {
		return nil, err
	}
	examplesProcessed.Add(float64(len(rows)))
	s.forward(ctx, out)
	return out, nil
}

// forward sends outputs to Longbow. Failures are logged, not returned.
func (s *Server) forward(ctx context.Context, outputs []map[string][]float32) {
	if s.flightClient == nil || len(outputs) == 0 {
		return
	}
	rec, err := s.records.BuildRecord(s.engine.OutputNames(), outputs)
	if err != nil {
		forwardErrors.Inc()
		log.Error().Err(err).Msg("Error building forward record")
		return
	}
	defer rec.Release()
	if err := s.flightClient.DoPut(ctx, s.datasetName, rec); err != nil {
		forwardErrors.Inc()
		log.Error().Err(err).Msg("Error forwarding predictions to Longbow")
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handlePredict takes a CBOR map of input name to values, or a CBOR array
// of such maps, and answers with outputs of the same shape.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw cbor.RawMessage
	if err := cbor.NewDecoder(r.Body).Decode(&raw); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	// major type 4 is an array
	list := len(raw) > 0 && raw[0]>>5 == 4
	var rows []map[string][]float32
	var err error
	if list {
		err = cbor.Unmarshal(raw, &rows)
	} else {
		var one map[string][]float32
		err = cbor.Unmarshal(raw, &one)
		rows = []map[string][]float32{one}
	}
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("example_count", len(rows)))

	out, err := s.predictRows(ctx, rows)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	var body []byte
	if list {
		body, err = cbor.Marshal(out)
	} else {
		body, err = cbor.Marshal(out[0])
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

// handlePredictArrow reads an Arrow IPC stream with one list<float32>
// column per input and answers with a stream of output columns, one record
// per input record.
func (s *Server) handlePredictArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredictArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("predict_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	total := 0
	for reader.Next() {
		rows, err := client.ReadRows(reader.Record())
		if err == nil {
			rows, err = s.predictRows(ctx, rows)
		}
		var rec arrow.RecordBatch
		if err == nil && len(rows) > 0 {
			rec, err = s.records.BuildRecord(s.engine.OutputNames(), rows)
		}
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			log.Error().Err(err).Msg("Error in Arrow predict stream")
			break
		}
		if rec == nil {
			continue
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			log.Error().Err(err).Msg("Error writing Arrow response")
			break
		}
		total += len(rows)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Arrow response")
		}
	} else if err := reader.Err(); err != nil {
		http.Error(w, fmt.Sprintf("Stream error: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("example_count", total))
	if writer == nil {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
