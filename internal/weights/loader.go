// Package weights reads weight archives: one little-endian float32 buffer
// plus a list of records naming slices of it.
package weights

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/errdefs"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Record locates one weight tensor inside the archive buffer. Offset is in
// bytes, Length in float32 elements.
type Record struct {
	Name   string `json:"weight_name" cbor:"weight_name"`
	Offset int    `json:"offset" cbor:"offset"`
	Length int    `json:"length" cbor:"length"`
	Shape  []int  `json:"shape" cbor:"shape"`
}

// Archive is an immutable weight archive.
type Archive struct {
	values  []float32
	records []Record
}

// NewArchive validates records against buf and decodes the buffer.
func NewArchive(buf []byte, records []Record) (*Archive, error) {
	if len(buf)%arrow.Float32SizeBytes != 0 {
		return nil, fmt.Errorf("weight buffer of %d bytes is not a whole number of float32 values", len(buf))
	}
	values := append([]float32(nil), arrow.Float32Traits.CastFromBytes(buf)...)
	for _, r := range records {
		if r.Offset < 0 || r.Offset%arrow.Float32SizeBytes != 0 {
			return nil, fmt.Errorf("weight %q: misaligned offset %d", r.Name, r.Offset)
		}
		start := r.Offset / arrow.Float32SizeBytes
		if r.Length < 0 || start+r.Length > len(values) {
			return nil, fmt.Errorf("weight %q: range [%d,%d) outside buffer of %d values", r.Name, start, start+r.Length, len(values))
		}
		if n, err := tensor.Size(r.Shape); err != nil || n != r.Length {
			return nil, fmt.Errorf("weight %q: shape %v does not hold %d values", r.Name, r.Shape, r.Length)
		}
	}
	return &Archive{values: values, records: records}, nil
}

// Load reads a weights buffer and its metadata. Metadata ending in ".cbor"
// is decoded as CBOR, anything else as JSON.
func Load(weightsPath, metadataPath string) (*Archive, error) {
	buf, err := os.ReadFile(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	meta, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read weight metadata: %w", err)
	}
	records, err := ParseMetadata(meta, strings.EqualFold(filepath.Ext(metadataPath), ".cbor"))
	if err != nil {
		return nil, err
	}
	a, err := NewArchive(buf, records)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("weights", weightsPath).Int("records", len(records)).Int("values", len(a.values)).Msg("Loaded weight archive")
	return a, nil
}

// ParseMetadata decodes a record list.
func ParseMetadata(data []byte, isCBOR bool) ([]Record, error) {
	var records []Record
	if isCBOR {
		if err := cbor.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to decode CBOR weight metadata: %w", err)
		}
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode JSON weight metadata: %w", err)
	}
	return records, nil
}

// Records returns the archive records in file order.
func (a *Archive) Records() []Record { return a.records }

// Values returns a copy of the values of r.
func (a *Archive) Values(r Record) []float32 {
	start := r.Offset / arrow.Float32SizeBytes
	return append([]float32(nil), a.values[start:start+r.Length]...)
}

// Lookup returns the weight named prefix, with or without a ":<n>" suffix,
// and otherwise the first weight whose name starts with prefix. The exact
// match keeps "hw/W" from resolving to "hw/W_carry:0".
func (a *Archive) Lookup(prefix string) (*tensor.Tensor, error) {
	first := -1
	for i, r := range a.records {
		if !strings.HasPrefix(r.Name, prefix) {
			continue
		}
		if rest := r.Name[len(prefix):]; rest == "" || rest[0] == ':' {
			return tensor.New(r.Shape, a.Values(r))
		}
		if first < 0 {
			first = i
		}
	}
	if first < 0 {
		return nil, errdefs.MissingWeightf("no weight matches %q", prefix)
	}
	r := a.records[first]
	return tensor.New(r.Shape, a.Values(r))
}

// Builder assembles an archive in memory.
type Builder struct {
	values  []float32
	records []Record
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Add appends a weight.
func (b *Builder) Add(name string, shape []int, data []float32) *Builder {
	b.records = append(b.records, Record{
		Name:   name,
		Offset: len(b.values) * arrow.Float32SizeBytes,
		Length: len(data),
		Shape:  append([]int(nil), shape...),
	})
	b.values = append(b.values, data...)
	return b
}

// Bytes returns the encoded buffer and records.
func (b *Builder) Bytes() ([]byte, []Record) {
	return append([]byte(nil), arrow.Float32Traits.CastToBytes(b.values)...), b.records
}

// Build returns the archive.
func (b *Builder) Build() (*Archive, error) {
	buf, records := b.Bytes()
	return NewArchive(buf, records)
}
