package client

import (
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/errdefs"
)

// RecordBuilder converts between prediction examples and Arrow records.
// Every example is one row; every tensor name is one list<float32> column.
type RecordBuilder struct {
	mem memory.Allocator
}

// NewRecordBuilder creates a new builder.
func NewRecordBuilder(mem memory.Allocator) *RecordBuilder {
	return &RecordBuilder{mem: mem}
}

// Schema returns the schema of records holding the given columns, in
// sorted order.
func Schema(names []string) *arrow.Schema {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	fields := make([]arrow.Field, len(sorted))
	for i, name := range sorted {
		fields[i] = arrow.Field{Name: name, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)}
	}
	return arrow.NewSchema(fields, nil)
}

// BuildRecord converts rows into a record with one column per name. Every
// row must hold every name. An empty rows slice returns a nil record.
func (b *RecordBuilder) BuildRecord(names []string, rows []map[string][]float32) (arrow.RecordBatch, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	schema := Schema(names)

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range schema.Fields() {
		lb := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		for i, row := range rows {
			v, ok := row[f.Name]
			if !ok {
				lb.Release()
				return nil, errdefs.InvalidInputf("row %d has no column %q", i, f.Name)
			}
			lb.Append(true)
			vb.AppendValues(v, nil)
		}
		cols = append(cols, lb.NewArray())
		lb.Release()
	}
	return array.NewRecordBatch(schema, cols, int64(len(rows))), nil
}

// ReadRows converts every row of rec into an example keyed by column name.
// Columns must be list or fixed-size list of float32.
func ReadRows(rec arrow.RecordBatch) ([]map[string][]float32, error) {
	rows := make([]map[string][]float32, rec.NumRows())
	for i := range rows {
		rows[i] = make(map[string][]float32, rec.NumCols())
	}
	for c, col := range rec.Columns() {
		name := rec.ColumnName(c)
		values, offsets, err := listValues(col)
		if err != nil {
			return nil, errdefs.InvalidInputf("column %q: %v", name, err)
		}
		for i := range rows {
			if col.IsNull(i) {
				return nil, errdefs.InvalidInputf("column %q: null at row %d", name, i)
			}
			start, end := offsets(i)
			rows[i][name] = append([]float32(nil), values.Float32Values()[start:end]...)
		}
	}
	return rows, nil
}

func listValues(col arrow.Array) (*array.Float32, func(int) (int, int), error) {
	switch a := col.(type) {
	case *array.List:
		v, ok := a.ListValues().(*array.Float32)
		if !ok {
			return nil, nil, fmt.Errorf("list of %s, want float32", a.ListValues().DataType())
		}
		return v, func(i int) (int, int) {
			s, e := a.ValueOffsets(i)
			return int(s), int(e)
		}, nil
	case *array.FixedSizeList:
		v, ok := a.ListValues().(*array.Float32)
		if !ok {
			return nil, nil, fmt.Errorf("list of %s, want float32", a.ListValues().DataType())
		}
		n := int(a.DataType().(*arrow.FixedSizeListType).Len())
		off := a.Offset()
		return v, func(i int) (int, int) {
			return (off + i) * n, (off + i + 1) * n
		}, nil
	}
	return nil, nil, fmt.Errorf("type %s, want list<float32>", col.DataType())
}
