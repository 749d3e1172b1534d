// Command nockdump prints the records of a weight archive with summary
// statistics, for checking an export against the model that produced it.
package main

import (
	"flag"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-nock/internal/weights"
)

// WeightDump holds the summary of one archive record
type WeightDump struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Length int       `json:"length"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
	First  []float32 `json:"first_few"`
}

func main() {
	weightsPath := flag.String("weights", "model_weights.buf", "Path to the weight buffer")
	metadataPath := flag.String("metadata", "model_metadata.json", "Path to the weight metadata (.json or .cbor)")
	prefix := flag.String("prefix", "", "Only dump weights whose name starts with prefix")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	archive, err := weights.Load(*weightsPath, *metadataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load weights")
	}
	if err := write(os.Stdout, summarize(archive, *prefix)); err != nil {
		log.Fatal().Err(err).Msg("Failed to write dump")
	}
}

func summarize(a *weights.Archive, prefix string) []WeightDump {
	var out []WeightDump
	for _, r := range a.Records() {
		if !strings.HasPrefix(r.Name, prefix) {
			continue
		}
		d := WeightDump{Name: r.Name, Shape: r.Shape, Length: r.Length}
		vals := a.Values(r)
		if len(vals) > 0 {
			f := make([]float64, len(vals))
			for i, v := range vals {
				f[i] = float64(v)
			}
			d.Min = floats.Min(f)
			d.Max = floats.Max(f)
			d.Mean = floats.Sum(f) / float64(len(f))
			d.First = vals[:min(5, len(vals))]
		}
		out = append(out, d)
	}
	return out
}

func write(w io.Writer, dumps []WeightDump) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(dumps)
}
