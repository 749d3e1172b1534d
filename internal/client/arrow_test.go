package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/errdefs"
)

func TestBuildRecord(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecord([]string{"x"}, nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		rows := []map[string][]float32{
			{"b": {1, 2, 3}, "a": {9}},
			{"b": {4, 5, 6}, "a": {8}},
		}
		rb, err := builder.BuildRecord([]string{"b", "a"}, rows)
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(2), rb.NumCols())
		assert.Equal(t, "a", rb.ColumnName(0))
		assert.Equal(t, "b", rb.ColumnName(1))

		listArr := rb.Column(1).(*array.List)
		assert.Equal(t, []int32{0, 3, 6}, listArr.Offsets())
		values := listArr.ListValues().(*array.Float32)
		assert.Equal(t, float32(6), values.Value(5))

		back, err := ReadRows(rb)
		require.NoError(t, err)
		assert.Equal(t, rows, back)
	})

	t.Run("Missing column", func(t *testing.T) {
		_, err := builder.BuildRecord([]string{"a", "b"}, []map[string][]float32{{"a": {1}}})
		assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
	})
}

func TestReadRows_FixedSizeList(t *testing.T) {
	pool := memory.NewGoAllocator()
	fb := array.NewFixedSizeListBuilder(pool, 2, arrow.PrimitiveTypes.Float32)
	defer fb.Release()
	vb := fb.ValueBuilder().(*array.Float32Builder)
	for i := 0; i < 3; i++ {
		fb.Append(true)
		vb.AppendValues([]float32{float32(i), float32(10 * i)}, nil)
	}
	arr := fb.NewArray()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arr.DataType()}}, nil)
	rec := array.NewRecordBatch(schema, []arrow.Array{arr}, 3)
	defer rec.Release()

	rows, err := ReadRows(rec)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []float32{2, 20}, rows[2]["x"])

	sliced := rec.NewSlice(1, 3)
	defer sliced.Release()
	rows, err = ReadRows(sliced)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 10}, rows[0]["x"])
}

func TestReadRows_Errors(t *testing.T) {
	pool := memory.NewGoAllocator()

	ib := array.NewInt32Builder(pool)
	defer ib.Release()
	ib.AppendValues([]int32{1, 2}, nil)
	ints := ib.NewArray()
	defer ints.Release()
	rec := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int32}}, nil),
		[]arrow.Array{ints}, 2)
	defer rec.Release()
	_, err := ReadRows(rec)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)

	lb := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float64)
	defer lb.Release()
	lb.Append(true)
	lb.ValueBuilder().(*array.Float64Builder).Append(1)
	doubles := lb.NewArray()
	defer doubles.Release()
	rec2 := array.NewRecordBatch(arrow.NewSchema([]arrow.Field{{Name: "x", Type: doubles.DataType()}}, nil),
		[]arrow.Array{doubles}, 1)
	defer rec2.Release()
	_, err = ReadRows(rec2)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)

	nb := array.NewListBuilder(pool, arrow.PrimitiveTypes.Float32)
	defer nb.Release()
	nb.AppendNull()
	nulls := nb.NewArray()
	defer nulls.Release()
	rec3 := array.NewRecordBatch(Schema([]string{"x"}), []arrow.Array{nulls}, 1)
	defer rec3.Release()
	_, err = ReadRows(rec3)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}
