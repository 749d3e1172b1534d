package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-nock/internal/cache"
	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/inference"
	"github.com/23skdu/longbow-nock/internal/weights"
)

var (
	modelPath     = flag.String("model", "model.json", "Path to the Keras model description (JSON)")
	weightsPath   = flag.String("weights", "model_weights.buf", "Path to the little-endian float32 weight buffer")
	metadataPath  = flag.String("metadata", "model_metadata.json", "Path to the weight metadata (.json or .cbor)")
	useGPU        = flag.Bool("gpu", false, "Run layers on the texture backend")
	precision     = flag.String("precision", "fp32", "Texture precision (fp32, fp16)")
	maxTexture    = flag.Int("max-texture", device.DefaultMaxTextureSize, "Largest texture side of the backend")
	replicas      = flag.Int("replicas", 1, "Number of graph replicas (forced to 1 for stateful models)")
	cacheSize     = flag.Int("cache", 0, "Prediction cache entries (0 disables)")
	inputPath     = flag.String("input", "", "Run one prediction on a JSON or CBOR input file and exit")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "nock_predictions", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 1024, "Maximum number of examples admitted at once")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	ctx := context.Background()
	engine, err := loadEngine(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create inference engine")
	}
	defer engine.Close()

	var fc FlightClientInterface
	if *serverAddr != "" {
		c, err := client.NewFlightClient(*serverAddr, client.DefaultOptions())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Forwarding predictions to Longbow")
		fc = c
	}

	if *inputPath != "" {
		if err := runOnce(ctx, engine, fc, *inputPath, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Prediction failed")
		}
		return
	}

	if *listenAddr == "" && *flightAddr == "" {
		log.Fatal().Msg("Nothing to do: set -input, -listen or -flight")
	}
	srv := NewServer(engine, fc, *datasetName, *maxConcurrent)
	if *listenAddr != "" {
		if *flightAddr == "" {
			startServer(*listenAddr, srv)
			return
		}
		go startServer(*listenAddr, srv)
	}
	StartFlightServer(*flightAddr, srv)
}

// loadEngine reads the model and weights named by the flags.
func loadEngine(ctx context.Context) (*inference.Engine, error) {
	modelJSON, err := os.ReadFile(*modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	archive, err := weights.Load(*weightsPath, *metadataPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", *modelPath).Int("weights", len(archive.Records())).Msg("Loaded model")

	cfg := inference.DefaultConfig()
	cfg.Replicas = *replicas
	if *cacheSize > 0 {
		cfg.Cache = cache.NewMapCache(*cacheSize)
	}
	if *useGPU {
		cfg.NewBackend = softBackends(*precision, *maxTexture)
	}
	return inference.NewEngine(ctx, modelJSON, archive, cfg)
}

// softBackends gives every replica its own texture backend.
func softBackends(precision string, maxTexture int) func(int) (device.Backend, error) {
	return func(i int) (device.Backend, error) {
		b, err := device.NewSoftBackend(device.SoftOptions{Precision: precision, MaxTextureSize: maxTexture})
		if err != nil {
			return nil, err
		}
		log.Debug().Int("replica", i).Str("backend", b.Name()).Str("precision", precision).Msg("Created backend")
		return b, nil
	}
}

// readInput decodes one example from a CBOR (.cbor) or JSON file.
func readInput(path string) (map[string][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var in map[string][]float32
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		err = cbor.Unmarshal(data, &in)
	} else {
		err = json.Unmarshal(data, &in)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return in, nil
}

// runOnce predicts the example in path and forwards the outputs with fc,
// or writes them as an Arrow IPC stream to w.
func runOnce(ctx context.Context, p Predictor, fc FlightClientInterface, path string, w io.Writer) error {
	in, err := readInput(path)
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := p.Predict(ctx, in)
	if err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Strs("outputs", p.OutputNames()).Msg("Predicted")

	rec, err := client.NewRecordBuilder(memory.NewGoAllocator()).BuildRecord(p.OutputNames(), []map[string][]float32{out})
	if err != nil {
		return err
	}
	defer rec.Release()

	if fc != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
			return err
		}
		log.Info().Str("dataset", *datasetName).Msg("Sent predictions to Longbow")
		return nil
	}
	return writeArrowStream(w, rec)
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("nock"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
