package dap

import (
	"context"
	"strings"
	"sync"

	"github.com/remdap/remdap/pkg/batch"
	"github.com/remdap/remdap/service/adt"
)

// tableColumn is one discovered field of a structured table row.
type tableColumn struct {
	name string
	// suffix is appended to a row key to address this field's cell.
	suffix string
}

// TableSlice fetches rows [start, start+count) of a table variable. The
// range is clamped to the table's row count. Row layout is discovered by
// probing the first row of the range: structured rows are read cell-wise
// through chunked bulk fetches with bounded concurrency, scalar rows with a
// single bulk fetch. Failures degrade to an empty result.
func (s *Session) TableSlice(ctx context.Context, desc *variableDescriptor, start, count int) []map[string]string {
	end := start + count
	if end > desc.lineCount {
		end = desc.lineCount
	}
	if start < 0 || start >= end {
		return []map[string]string{}
	}

	probeKey := tableRowKey(desc.remoteID, start+1)
	probe, err := s.client.FetchVariables(ctx, []string{probeKey})
	if err != nil || len(probe) == 0 {
		s.log.Errorf("table slice: probing %s: %v", probeKey, err)
		return []map[string]string{}
	}

	if probe[0].MetaType == adt.MetaStructure {
		return s.structuredSlice(ctx, desc, start, end, probeKey)
	}
	return s.scalarSlice(ctx, desc, start, end)
}

// structuredSlice reads a window of a wide table. The remote API has no
// pagination or projection primitive, so the row window becomes one key per
// cell, partitioned into chunks and fetched with at most batchLimit
// requests in flight. Rows are reassembled by key lookup, so completion
// order of the chunks does not matter.
func (s *Session) structuredSlice(ctx context.Context, desc *variableDescriptor, start, end int, probeKey string) []map[string]string {
	fields, err := s.client.ExpandChildren(ctx, []string{probeKey})
	if err != nil || len(fields) == 0 {
		s.log.Errorf("table slice: discovering fields of %s: %v", probeKey, err)
		return []map[string]string{}
	}
	columns := make([]tableColumn, 0, len(fields))
	for _, f := range fields {
		columns = append(columns, tableColumn{
			name:   f.Name,
			suffix: strings.TrimPrefix(f.ID, probeKey),
		})
	}

	keys := make([]string, 0, (end-start)*len(columns))
	for i := start; i < end; i++ {
		rowKey := tableRowKey(desc.remoteID, i+1)
		for _, col := range columns {
			keys = append(keys, rowKey+col.suffix)
		}
	}

	var mu sync.Mutex
	cells := make(map[string]adt.DebugVariable, len(keys))
	err = batch.Run(ctx, keys, s.chunkSize, s.batchLimit, func(ctx context.Context, chunk []string) error {
		vars, err := s.client.FetchVariables(ctx, chunk)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, v := range vars {
			cells[v.ID] = v
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		s.log.Errorf("table slice: fetching cells of %s: %v", desc.remoteID, err)
		return []map[string]string{}
	}

	rows := make([]map[string]string, 0, end-start)
	for i := start; i < end; i++ {
		rowKey := tableRowKey(desc.remoteID, i+1)
		row := make(map[string]string, len(columns))
		for _, col := range columns {
			if cell, ok := cells[rowKey+col.suffix]; ok {
				row[col.name] = formatValue(cell)
			} else {
				row[col.name] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// scalarSlice reads a window of a table of elementary values. One key per
// row keeps the whole window in a single bulk fetch.
func (s *Session) scalarSlice(ctx context.Context, desc *variableDescriptor, start, end int) []map[string]string {
	keys := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		keys = append(keys, tableRowKey(desc.remoteID, i+1))
	}
	vars, err := s.client.FetchVariables(ctx, keys)
	if err != nil {
		s.log.Errorf("table slice: fetching rows of %s: %v", desc.remoteID, err)
		return []map[string]string{}
	}
	byID := make(map[string]adt.DebugVariable, len(vars))
	for _, v := range vars {
		byID[v.ID] = v
	}
	rows := make([]map[string]string, 0, end-start)
	for _, key := range keys {
		value := ""
		if v, ok := byID[key]; ok {
			value = formatValue(v)
		}
		rows = append(rows, map[string]string{"VALUE": value})
	}
	return rows
}
