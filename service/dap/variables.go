package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-dap"
	"github.com/pkg/errors"

	"github.com/remdap/remdap/service/adt"
)

// systemScopeID is the synthetic pseudo-scope appended to every scopes
// response regardless of what the remote hierarchy reports.
const systemScopeID = "SY"

// scopeMarker prefixes the remote ids of root hierarchy entries. Variables
// held directly by a scope are addressed by bare name on writes.
const scopeMarker = "@"

// isScopeID reports whether a remote id denotes a scope rather than a
// variable nested inside one.
func isScopeID(id string) bool {
	return strings.HasPrefix(id, scopeMarker) || id == systemScopeID
}

// Scopes returns the variable scopes of a stack frame. The remote cursor is
// repositioned first unless the frame is already current. Failures degrade
// to an empty list; the front-end shows no scopes rather than an error.
func (s *Session) Scopes(ctx context.Context, frameID int) []dap.Scope {
	defer sessions.touch(s)

	threadID := decodeThreadID(frameID)
	if frameID != s.currentFrameID {
		ref, ok := s.frameRef(frameID)
		if !ok {
			s.log.Debugf("scopes: frame %d not in current stack", frameID)
			return []dap.Scope{}
		}
		if err := s.client.RepositionCursor(ctx, ref); err != nil {
			s.log.Errorf("scopes: repositioning cursor: %v", err)
			return []dap.Scope{}
		}
		s.currentFrameID = frameID
	}

	roots, err := s.client.RootVariables(ctx)
	if err != nil {
		s.log.Errorf("scopes: listing root variables: %v", err)
		return []dap.Scope{}
	}

	scopes := make([]dap.Scope, 0, len(roots)+1)
	for _, root := range roots {
		ref := s.handles.create(threadID, &variableDescriptor{
			remoteID:  root.ID,
			threadID:  threadID,
			name:      root.Name,
			metaType:  root.MetaType,
			lineCount: root.TableLines,
		})
		scopes = append(scopes, dap.Scope{Name: root.Name, VariablesReference: ref})
	}
	syRef := s.handles.create(threadID, &variableDescriptor{
		remoteID: systemScopeID,
		threadID: threadID,
		name:     systemScopeID,
		metaType: adt.MetaStructure,
	})
	scopes = append(scopes, dap.Scope{Name: systemScopeID, VariablesReference: syRef})
	return scopes
}

// Variables expands a variable reference into its children. An unknown
// handle yields an empty list: the descriptor was invalidated by a newer
// stop and the front-end is about to refresh anyway. Table children are
// synthesized locally from the row count instead of asking the remote to
// enumerate them.
func (s *Session) Variables(ctx context.Context, parentHandle int) []dap.Variable {
	desc, ok := s.handles.get(parentHandle)
	if !ok {
		return []dap.Variable{}
	}

	if desc.metaType.SynthesizesChildren() {
		return s.tableChildren(desc)
	}

	children, err := s.client.ExpandChildren(ctx, []string{desc.remoteID})
	if err != nil {
		s.log.Errorf("variables: expanding %s: %v", desc.remoteID, err)
		return []dap.Variable{}
	}
	out := make([]dap.Variable, 0, len(children))
	for _, c := range children {
		out = append(out, s.childView(desc.threadID, c))
	}
	return out
}

// tableChildren builds one child per row index without a remote call.
func (s *Session) tableChildren(desc *variableDescriptor) []dap.Variable {
	out := make([]dap.Variable, 0, desc.lineCount)
	for i := 1; i <= desc.lineCount; i++ {
		key := tableRowKey(desc.remoteID, i)
		ref := s.handles.create(desc.threadID, &variableDescriptor{
			remoteID: key,
			threadID: desc.threadID,
			name:     fmt.Sprintf("%s[%d]", desc.name, i),
			metaType: adt.MetaStructure,
		})
		out = append(out, dap.Variable{
			Name:               strconv.Itoa(i),
			Value:              key,
			VariablesReference: ref,
		})
	}
	return out
}

// tableRowKey addresses row i (1-based) of a table variable. The remote
// reports table ids with a trailing "[]" which the row index replaces.
func tableRowKey(tableID string, i int) string {
	return fmt.Sprintf("%s[%d]", strings.TrimSuffix(tableID, "[]"), i)
}

// childView converts a remote variable into its front-end rendering,
// allocating a reference only for structurally expandable values.
func (s *Session) childView(threadID int, v adt.DebugVariable) dap.Variable {
	ref := 0
	if v.MetaType.Expandable() {
		ref = s.handles.create(threadID, &variableDescriptor{
			remoteID:  v.ID,
			threadID:  threadID,
			name:      v.Name,
			metaType:  v.MetaType,
			lineCount: v.TableLines,
		})
	}
	return dap.Variable{
		Name:               v.Name,
		Value:              formatValue(v),
		Type:               v.DeclaredType,
		VariablesReference: ref,
	}
}

// formatValue renders a remote variable for display. Tables show their
// element type and row count, object references their raw value.
func formatValue(v adt.DebugVariable) string {
	switch v.MetaType {
	case adt.MetaTable:
		elem := v.DeclaredType
		if elem == "" {
			elem = v.TechnicalType
		}
		return fmt.Sprintf("%s[%d]", elem, v.TableLines)
	case adt.MetaObjectRef:
		return v.Value
	case adt.MetaSimple, adt.MetaString:
		return v.Value
	default:
		if v.Value != "" {
			return v.Value
		}
		return "<" + string(v.MetaType) + ">"
	}
}

// EvaluateResult is the outcome of one expression evaluation.
type EvaluateResult struct {
	Value   string
	Handle  int
	TypeTag string
}

var jsonEvalRe = regexp.MustCompile(`^json\((.*)\)$`)

// Evaluate resolves an expression in the context of a stack frame. The
// special form json(<expression>) materializes the whole value tree and
// returns its JSON serialization with reference 0. Unlike the other
// resolver operations this surfaces a typed error so the front-end can show
// an evaluation failure instead of a silent empty value.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int) (*EvaluateResult, error) {
	threadID := decodeThreadID(frameID)
	if threadID == 0 {
		return nil, &UsageError{Msg: "evaluation failed: no active thread"}
	}

	expression = strings.TrimSpace(expression)
	if m := jsonEvalRe.FindStringSubmatch(expression); m != nil {
		value, err := s.DumpJSONPath(ctx, strings.TrimSpace(m[1]))
		if err != nil {
			return nil, errors.Wrap(err, "evaluation failed")
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Wrap(err, "evaluation failed")
		}
		return &EvaluateResult{Value: string(data), Handle: 0, TypeTag: "json"}, nil
	}

	vars, err := s.client.FetchVariables(ctx, []string{expression})
	if err != nil {
		return nil, errors.Wrap(err, "evaluation failed")
	}
	if len(vars) == 0 {
		return nil, errors.Errorf("cannot evaluate %q", expression)
	}
	v := vars[0]
	handle := 0
	if v.MetaType.Expandable() {
		handle = s.handles.create(threadID, &variableDescriptor{
			remoteID:  v.ID,
			threadID:  threadID,
			name:      v.Name,
			metaType:  v.MetaType,
			lineCount: v.TableLines,
		})
	}
	return &EvaluateResult{Value: formatValue(v), Handle: handle, TypeTag: v.DeclaredType}, nil
}

// SetVariable writes a new value into a field of the variable behind
// handle. Fields of scope roots are addressed by bare name; nested fields
// are qualified relative to their container. A remote failure yields
// ("", false) rather than an error.
func (s *Session) SetVariable(ctx context.Context, handle int, name, value string) (string, bool) {
	desc, ok := s.handles.get(handle)
	if !ok {
		return "", false
	}
	var path string
	if isScopeID(desc.remoteID) {
		path = name
	} else {
		path = strings.ToUpper(desc.name + "-" + name)
	}
	stored, err := s.client.SetVariableValue(ctx, path, value)
	if err != nil {
		s.log.Errorf("setVariable %s: %v", path, err)
		return "", false
	}
	return stored, true
}

// numericTechnicalTypes are the elementary technical types whose values
// materialize as numbers.
var numericTechnicalTypes = map[string]bool{
	"I": true, "INT8": true, "B": true, "S": true,
	"P": true, "F": true, "DECFLOAT16": true, "DECFLOAT34": true,
}

// DumpJSONPath fetches the variable at path and materializes it.
func (s *Session) DumpJSONPath(ctx context.Context, path string) (interface{}, error) {
	vars, err := s.client.FetchVariables(ctx, []string{path})
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, errors.Errorf("variable %q not found", path)
	}
	return s.DumpJSON(ctx, vars[0])
}

// DumpJSON recursively materializes a remote variable into a plain value
// tree: numbers for numeric technical types, trimmed strings for text,
// objects for structures, arrays for tables, and the literal
// "Unprocessable:<metaType>" for anything else.
//
// Tables are fetched one row per remote call with no row ceiling; dumping a
// very large table is correspondingly expensive.
func (s *Session) DumpJSON(ctx context.Context, v adt.DebugVariable) (interface{}, error) {
	switch v.MetaType {
	case adt.MetaSimple:
		text := strings.TrimRight(v.Value, " ")
		if numericTechnicalTypes[v.TechnicalType] {
			if n, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64); err == nil {
				return n, nil
			}
		}
		return text, nil
	case adt.MetaString:
		return strings.TrimRight(v.Value, " "), nil
	case adt.MetaStructure:
		fields, err := s.client.ExpandChildren(ctx, []string{v.ID})
		if err != nil {
			return nil, err
		}
		obj := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			fv, err := s.DumpJSON(ctx, f)
			if err != nil {
				return nil, err
			}
			obj[f.Name] = fv
		}
		return obj, nil
	case adt.MetaTable:
		rows := make([]interface{}, 0, v.TableLines)
		for i := 1; i <= v.TableLines; i++ {
			rv, err := s.client.FetchVariables(ctx, []string{tableRowKey(v.ID, i)})
			if err != nil {
				return nil, err
			}
			if len(rv) == 0 {
				rows = append(rows, nil)
				continue
			}
			row, err := s.DumpJSON(ctx, rv[0])
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return "Unprocessable:" + string(v.MetaType), nil
	}
}
