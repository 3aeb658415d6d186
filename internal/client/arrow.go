package client

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

// ReportSchema is the layout of an exported rewrite report: one row per
// committed rewrite.
var ReportSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "graph", Type: arrow.BinaryTypes.String},
		{Name: "pass", Type: arrow.BinaryTypes.String},
		{Name: "root_id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "root", Type: arrow.BinaryTypes.String},
		{Name: "root_op", Type: arrow.BinaryTypes.String},
		{Name: "replacement", Type: arrow.ListOf(arrow.BinaryTypes.String)},
		{Name: "matched", Type: arrow.PrimitiveTypes.Int32},
		{Name: "bindings", Type: arrow.PrimitiveTypes.Int32},
		{Name: "pruned", Type: arrow.PrimitiveTypes.Int32},
	},
	nil,
)

// ReportBuilder creates Arrow RecordBatches from rewrite reports.
type ReportBuilder struct {
	mem memory.Allocator
}

func NewReportBuilder(mem memory.Allocator) *ReportBuilder {
	return &ReportBuilder{mem: mem}
}

// Build flattens the rewrites of every report into one RecordBatch. It
// returns nil when no rewrite was applied.
func (b *ReportBuilder) Build(graphName string, reports []*rewrite.Report) (arrow.RecordBatch, error) {
	var rows []rewrite.Rewrite
	for _, r := range reports {
		rows = append(rows, r.Rewrites...)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	fields := ReportSchema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(b.mem, f.Type)
		defer builders[i].Release()
	}

	graphs := builders[0].(*array.StringBuilder)
	passes := builders[1].(*array.StringBuilder)
	ids := builders[2].(*array.Int64Builder)
	roots := builders[3].(*array.StringBuilder)
	rootOps := builders[4].(*array.StringBuilder)
	repl := builders[5].(*array.ListBuilder)
	replOps := repl.ValueBuilder().(*array.StringBuilder)
	matched := builders[6].(*array.Int32Builder)
	bindings := builders[7].(*array.Int32Builder)
	pruned := builders[8].(*array.Int32Builder)

	for _, rw := range rows {
		graphs.Append(graphName)
		passes.Append(rw.Pass)
		ids.Append(rw.RootID)
		roots.Append(rw.Root)
		rootOps.Append(rw.RootOp)
		repl.Append(true)
		replOps.AppendValues(rw.Replacement, nil)
		matched.Append(int32(rw.Matched))
		bindings.Append(int32(rw.Bindings))
		pruned.Append(int32(rw.Pruned))
	}

	cols := make([]arrow.Array, len(builders))
	for i, bld := range builders {
		cols[i] = bld.NewArray()
		defer cols[i].Release()
	}
	return array.NewRecordBatch(ReportSchema, cols, int64(len(rows))), nil
}
