package ir

import (
	"encoding/json"
	"fmt"
)

// TransformationAction distinguishes assignments from deletions.
type TransformationAction string

const (
	// ActionSet records an assignment of NewValue at Path.
	ActionSet TransformationAction = "set"

	// ActionDelete records removal of the value at Path.
	ActionDelete TransformationAction = "delete"
)

// Transformation is a single structural change record emitted by the memory
// model. NewValue is always plain data, never shared with the live tree.
type Transformation struct {
	Action   TransformationAction `json:"action"`
	Path     Path                 `json:"path"`
	NewValue IRValue              `json:"new_value,omitempty"`
}

// SetTransformation builds a Set record.
func SetTransformation(path Path, v IRValue) Transformation {
	return Transformation{Action: ActionSet, Path: path, NewValue: v}
}

// DeleteTransformation builds a Delete record.
func DeleteTransformation(path Path) Transformation {
	return Transformation{Action: ActionDelete, Path: path}
}

// UnmarshalJSON decodes new_value through the IR decoder so that nested
// values come back as IR types.
func (t *Transformation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Action   TransformationAction `json:"action"`
		Path     Path                 `json:"path"`
		NewValue json.RawMessage      `json:"new_value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Action {
	case ActionSet:
		if len(raw.NewValue) == 0 {
			return fmt.Errorf("set transformation at %q has no new_value", raw.Path)
		}
		v, err := UnmarshalIRValue(raw.NewValue)
		if err != nil {
			return fmt.Errorf("new_value: %w", err)
		}
		*t = SetTransformation(raw.Path, v)
	case ActionDelete:
		*t = DeleteTransformation(raw.Path)
	default:
		return fmt.Errorf("unknown transformation action %q", raw.Action)
	}
	return nil
}

// Apply applies t to root in place, the way a plain object would receive the
// same assignment or deletion. Returns false when the parent does not exist.
// Used by hosts that mirror the model from a stream of transformations.
func (t Transformation) Apply(root IRObject) bool {
	if len(t.Path) == 0 {
		return false
	}
	parent := Lookup(root, t.Path[:len(t.Path)-1])
	last := t.Path[len(t.Path)-1]
	switch p := parent.(type) {
	case IRObject:
		if t.Action == ActionDelete {
			delete(p, last.String())
		} else {
			p[last.String()] = Clone(t.NewValue)
		}
		return true
	case IRArray:
		idx, ok := last.AsIndex()
		if !ok || idx >= len(p) {
			// Appending would need to rewrite the grandparent's slice header.
			return t.appendToArray(root, idx, ok)
		}
		if t.Action == ActionDelete {
			p[idx] = IRNull{}
		} else {
			p[idx] = Clone(t.NewValue)
		}
		return true
	default:
		return false
	}
}

func (t Transformation) appendToArray(root IRObject, idx int, ok bool) bool {
	if !ok || t.Action != ActionSet || len(t.Path) < 2 {
		return false
	}
	arrPath := t.Path[:len(t.Path)-1]
	arr, isArr := Lookup(root, arrPath).(IRArray)
	if !isArr || idx != len(arr) {
		return false
	}
	grand := Lookup(root, arrPath[:len(arrPath)-1])
	seg := arrPath[len(arrPath)-1]
	grown := append(arr, Clone(t.NewValue))
	switch g := grand.(type) {
	case IRObject:
		g[seg.String()] = grown
		return true
	case IRArray:
		gi, ok := seg.AsIndex()
		if !ok || gi >= len(g) {
			return false
		}
		g[gi] = grown
		return true
	}
	return false
}
