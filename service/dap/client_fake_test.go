package dap

import (
	"context"
	"fmt"
	"sync"

	"github.com/remdap/remdap/service/adt"
)

// fakeClient is a scriptable in-memory stand-in for the remote debugger
// API, used by the resolver, table and listener tests.
type fakeClient struct {
	mu sync.Mutex

	roots    []adt.DebugVariable
	children map[string][]adt.DebugVariable
	vars     map[string]adt.DebugVariable
	stack    []adt.StackEntry

	attachCalls []string

	repositions []string
	expandCalls [][]string
	fetchCalls  [][]string
	setPaths    []string
	setErr      error

	resolveCalls map[string]int
	resolveErr   map[string]error
	replaced     map[string][][]int
	replaceErr   map[string]error

	// listen is invoked for each ListenForDebuggee call when set.
	listen func(ctx context.Context, ident adt.ListenerIdentity) (*adt.Debuggee, error)
}

var _ adt.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		children:     make(map[string][]adt.DebugVariable),
		vars:         make(map[string]adt.DebugVariable),
		resolveCalls: make(map[string]int),
		resolveErr:   make(map[string]error),
		replaced:     make(map[string][][]int),
		replaceErr:   make(map[string]error),
	}
}

// addStructuredTable registers a table variable with rows*fields cells.
// Row i field j holds "<name>-r<i>c<j>" for a C field and "i*10+j" for an
// I field, alternating starting with C.
func (f *fakeClient) addStructuredTable(name string, rows, fields int) adt.DebugVariable {
	table := adt.DebugVariable{
		ID: name + "[]", Name: name, MetaType: adt.MetaTable,
		DeclaredType: "TY_" + name, TableLines: rows,
	}
	f.vars[table.ID] = table
	for i := 1; i <= rows; i++ {
		rowKey := fmt.Sprintf("%s[%d]", name, i)
		f.vars[rowKey] = adt.DebugVariable{ID: rowKey, Name: fmt.Sprintf("%d", i), MetaType: adt.MetaStructure}
		var kids []adt.DebugVariable
		for j := 1; j <= fields; j++ {
			fieldName := fmt.Sprintf("F%d", j)
			cellKey := rowKey + "-" + fieldName
			cell := adt.DebugVariable{ID: cellKey, Name: fieldName}
			if j%2 == 1 {
				cell.MetaType = adt.MetaSimple
				cell.TechnicalType = "C"
				cell.Value = fmt.Sprintf("%s-r%dc%d", name, i, j)
			} else {
				cell.MetaType = adt.MetaSimple
				cell.TechnicalType = "I"
				cell.Value = fmt.Sprintf("%d", i*10+j)
			}
			f.vars[cellKey] = cell
			kids = append(kids, cell)
		}
		f.children[rowKey] = kids
	}
	return table
}

// addScalarTable registers a table of elementary rows.
func (f *fakeClient) addScalarTable(name string, rows int) adt.DebugVariable {
	table := adt.DebugVariable{
		ID: name + "[]", Name: name, MetaType: adt.MetaTable,
		DeclaredType: "STRING_TABLE", TableLines: rows,
	}
	f.vars[table.ID] = table
	for i := 1; i <= rows; i++ {
		rowKey := fmt.Sprintf("%s[%d]", name, i)
		f.vars[rowKey] = adt.DebugVariable{
			ID: rowKey, Name: fmt.Sprintf("%d", i),
			MetaType: adt.MetaString, Value: fmt.Sprintf("row-%d", i),
		}
	}
	return table
}

func (f *fakeClient) Attach(ctx context.Context, debuggeeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls = append(f.attachCalls, debuggeeID)
	return nil
}

func (f *fakeClient) Detach(ctx context.Context) error { return nil }

func (f *fakeClient) RepositionCursor(ctx context.Context, stackRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repositions = append(f.repositions, stackRef)
	return nil
}

func (f *fakeClient) StackTrace(ctx context.Context) ([]adt.StackEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adt.StackEntry(nil), f.stack...), nil
}

func (f *fakeClient) Step(ctx context.Context, mode adt.StepMode, stackRef string) (*adt.DebugStep, error) {
	return &adt.DebugStep{Reason: "step"}, nil
}

func (f *fakeClient) RootVariables(ctx context.Context) ([]adt.DebugVariable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adt.DebugVariable(nil), f.roots...), nil
}

func (f *fakeClient) ExpandChildren(ctx context.Context, parents []string) ([]adt.DebugVariable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expandCalls = append(f.expandCalls, append([]string(nil), parents...))
	var out []adt.DebugVariable
	for _, p := range parents {
		out = append(out, f.children[p]...)
	}
	return out, nil
}

func (f *fakeClient) FetchVariables(ctx context.Context, keys []string) ([]adt.DebugVariable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls = append(f.fetchCalls, append([]string(nil), keys...))
	var out []adt.DebugVariable
	for _, k := range keys {
		if v, ok := f.vars[k]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeClient) SetVariableValue(ctx context.Context, path, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPaths = append(f.setPaths, path)
	if f.setErr != nil {
		return "", f.setErr
	}
	return value, nil
}

func (f *fakeClient) ListenForDebuggee(ctx context.Context, ident adt.ListenerIdentity) (*adt.Debuggee, error) {
	f.mu.Lock()
	listen := f.listen
	f.mu.Unlock()
	if listen == nil {
		return nil, adt.ErrListenTimeout
	}
	return listen(ctx, ident)
}

func (f *fakeClient) ResolveSource(ctx context.Context, path string) (adt.SourceRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls[path]++
	if err := f.resolveErr[path]; err != nil {
		return adt.SourceRef{}, err
	}
	return adt.SourceRef{URI: "/remote" + path, Name: path}, nil
}

func (f *fakeClient) ReplaceBreakpoints(ctx context.Context, source adt.SourceRef, lines []int) ([]adt.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.replaceErr[source.URI]; err != nil {
		return nil, err
	}
	f.replaced[source.URI] = append(f.replaced[source.URI], append([]int(nil), lines...))
	bps := make([]adt.Breakpoint, len(lines))
	for i, l := range lines {
		bps[i] = adt.Breakpoint{ID: fmt.Sprintf("bp%d", l), Line: l, Confirmed: true}
	}
	return bps, nil
}
