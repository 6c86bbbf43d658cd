package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/lofi/internal/engine"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/transition"
)

const dataRef = "$data"

// ErrMissingData is returned when a template names a field the transition
// data does not have.
var ErrMissingData = errors.New("missing transition data")

// EngineConfig builds the engine configuration. migrations are passed in so
// that callers decide how they are loaded.
func (c *Config) EngineConfig(migrations []store.Migration) (engine.Config, error) {
	out := engine.Config{
		InitialModel:      ir.Clone(c.Model).(ir.IRObject),
		Actions:           make(map[string]engine.Action, len(c.Actions)),
		URL:               c.URL,
		ProtocolVersion:   c.ProtocolVersion,
		StoragePath:       c.StoragePath(),
		MaxStorageBytes:   c.Storage.MaxBytes,
		Migrations:        migrations,
		ReconnectDelay:    c.Connection.ReconnectDelay,
		HeartbeatInterval: c.Connection.HeartbeatInterval,
		MaxMissedPongs:    c.Connection.MaxMissedPongs,
	}
	if c.Model == nil {
		out.InitialModel = ir.IRObject{}
	}
	for name, spec := range c.Actions {
		impact, err := transition.ParseImpact(spec.Impact)
		if err != nil {
			return engine.Config{}, fmt.Errorf("action %s: %w", name, err)
		}
		out.Actions[name] = engine.Action{Impact: impact, Handler: spec.Handler()}
	}
	return out, nil
}

// StoragePath resolves the database path against the config directory.
// ":memory:" and absolute paths are returned unchanged.
func (c *Config) StoragePath() string {
	return c.resolve(c.Storage.Path)
}

// MigrationsDir resolves the migrations directory like StoragePath.
func (c *Config) MigrationsDir() string {
	return c.resolve(c.Storage.Migrations)
}

// LoadMigrations reads the journal under MigrationsDir. A config without a
// migrations directory has none.
func (c *Config) LoadMigrations() ([]store.Migration, error) {
	dir := c.MigrationsDir()
	if dir == "" {
		return nil, nil
	}
	migrations, err := store.LoadMigrations(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("load migrations from %s: %w", dir, err)
	}
	return migrations, nil
}

func (c *Config) resolve(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Handler compiles the declared effects into runner handler functions.
func (a ActionSpec) Handler() transition.Handler {
	var h transition.Handler
	if len(a.Memory) > 0 {
		h.EditMemoryModel = applyEdits(a.Memory)
	}
	if len(a.RevertMemory) > 0 {
		h.RevertMemoryModel = applyEdits(a.RevertMemory)
	}
	if len(a.SQL) > 0 {
		h.EditDB = runQueries(a.SQL)
	}
	if len(a.RevertSQL) > 0 {
		h.RevertDB = runQueries(a.RevertSQL)
	}
	return h
}

func applyEdits(edits []Edit) transition.MemoryFunc {
	return func(_ context.Context, tree *memory.Tree, data ir.IRObject) error {
		for i, e := range edits {
			if err := e.Apply(tree, data); err != nil {
				return fmt.Errorf("memory edit %d: %w", i, err)
			}
		}
		return nil
	}
}

// Apply performs the edit against tree with templates filled from data.
func (e Edit) Apply(tree *memory.Tree, data ir.IRObject) error {
	path, err := ResolvePath(e.Path, data)
	if err != nil {
		return err
	}

	var ok bool
	switch e.Op {
	case OpSet:
		v, err := Resolve(e.Value, data)
		if err != nil {
			return err
		}
		ok = tree.Set(path, v)
	case OpDelete:
		ok = tree.Delete(path)
	case OpAppend:
		v, err := Resolve(e.Value, data)
		if err != nil {
			return err
		}
		arr, isArr := tree.Lookup(path).(ir.IRArray)
		if !isArr {
			return fmt.Errorf("append %s: not an array", path)
		}
		ok = tree.Set(path.Child(ir.I(len(arr))), v)
	default:
		return fmt.Errorf("unknown edit op %q", e.Op)
	}
	if !ok {
		return fmt.Errorf("%s %s: rejected by the memory model", e.Op, path)
	}
	return nil
}

func runQueries(queries []Query) transition.StorageFunc {
	return func(ctx context.Context, db *store.DB, data ir.IRObject) error {
		stmts := make([]store.Statement, 0, len(queries))
		for i, q := range queries {
			params, err := q.Args(data)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
			stmts = append(stmts, store.Statement{SQL: q.SQL, Params: params, Mode: store.ModeRun})
		}
		_, err := db.Batch(ctx, stmts)
		return err
	}
}

// Args resolves the query parameters into database/sql arguments. Arrays
// and objects are bound as their canonical JSON text.
func (q Query) Args(data ir.IRObject) ([]any, error) {
	args := make([]any, len(q.Params))
	for i, p := range q.Params {
		v, err := Resolve(p, data)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case ir.IRNull:
			args[i] = nil
		case ir.IRString:
			args[i] = string(v)
		case ir.IRInt:
			args[i] = int64(v)
		case ir.IRBool:
			args[i] = bool(v)
		default:
			text, err := ir.MarshalCanonical(v)
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			args[i] = string(text)
		}
	}
	return args, nil
}

// ResolvePath fills path templates. Strings become keys and integers
// indices; a template must resolve to one of the two.
func ResolvePath(tmpl []ir.IRValue, data ir.IRObject) (ir.Path, error) {
	path := make(ir.Path, 0, len(tmpl))
	for _, seg := range tmpl {
		v, err := Resolve(seg, data)
		if err != nil {
			return nil, err
		}
		switch v := v.(type) {
		case ir.IRString:
			path = append(path, ir.K(string(v)))
		case ir.IRInt:
			path = append(path, ir.I(int(v)))
		default:
			return nil, fmt.Errorf("path segment resolved to %T", v)
		}
	}
	return path, nil
}

// Resolve returns a fresh copy of tmpl with every "$data" reference
// replaced. Containers are always copied so that the result can be handed
// to the memory model without aliasing the config or the transition data.
func Resolve(tmpl ir.IRValue, data ir.IRObject) (ir.IRValue, error) {
	switch v := tmpl.(type) {
	case ir.IRString:
		s := string(v)
		switch {
		case strings.HasPrefix(s, "$$"):
			return ir.IRString(s[1:]), nil
		case s == dataRef:
			return ir.Clone(data), nil
		case strings.HasPrefix(s, dataRef+"."):
			keys := strings.Split(s[len(dataRef)+1:], ".")
			path := make(ir.Path, len(keys))
			for i, k := range keys {
				path[i] = ir.K(k)
			}
			found := ir.Lookup(data, path)
			if found == nil {
				return nil, fmt.Errorf("%w: %s", ErrMissingData, s)
			}
			return ir.Clone(found), nil
		}
		return v, nil
	case ir.IRArray:
		out := make(ir.IRArray, len(v))
		for i, el := range v {
			r, err := Resolve(el, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case ir.IRObject:
		out := make(ir.IRObject, len(v))
		for k, el := range v {
			r, err := Resolve(el, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return tmpl, nil
}
