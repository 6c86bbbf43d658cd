package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/lofi/internal/ir"
)

// rootField is the struct every config file declares.
const rootField = "lofi"

// Load reads a config from a .cue file, or from every .cue file of a
// directory unified as one instance, and validates it.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ctx := cuecontext.New()
	var (
		v   cue.Value
		dir string
	)
	if info.IsDir() {
		dir = path
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		files, err := filepath.Glob(filepath.Join(abs, "*.cue"))
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if len(files) == 0 {
			return nil, &Error{Field: rootField, Message: fmt.Sprintf("no .cue files in %s", path)}
		}
		// Files are passed explicitly so configs without a package clause
		// load as one instance.
		instances := load.Instances(files, &load.Config{Dir: abs})
		if len(instances) == 0 {
			return nil, &Error{Field: rootField, Message: "no CUE instances loaded"}
		}
		if err := instances[0].Err; err != nil {
			return nil, cueError(rootField, err)
		}
		v = ctx.BuildInstance(instances[0])
	} else {
		dir = filepath.Dir(path)
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		v = ctx.CompileBytes(src, cue.Filename(path))
	}

	cfg, err := Parse(v)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	return cfg, nil
}

// LoadBytes parses and validates CUE source held in memory. filename only
// labels positions in errors.
func LoadBytes(filename string, src []byte) (*Config, error) {
	return Parse(cuecontext.New().CompileBytes(src, cue.Filename(filename)))
}

// Parse extracts and validates the lofi struct of a built CUE value.
func Parse(v cue.Value) (*Config, error) {
	if err := v.Err(); err != nil {
		return nil, cueError(rootField, err)
	}
	root := v.LookupPath(cue.ParsePath(rootField))
	if !root.Exists() {
		return nil, &Error{Field: rootField, Message: "config must declare a lofi struct", Pos: v.Pos()}
	}
	if err := root.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(rootField, err)
	}

	cfg := &Config{}
	p := parser{}
	p.str(root, "", "url", &cfg.URL)
	p.str(root, "", "protocol_version", &cfg.ProtocolVersion)

	p.str(root, "", "storage.path", &cfg.Storage.Path)
	p.int64(root, "", "storage.max_bytes", &cfg.Storage.MaxBytes)
	p.str(root, "", "storage.migrations", &cfg.Storage.Migrations)

	p.duration(root, "", "connection.reconnect_delay", &cfg.Connection.ReconnectDelay)
	p.duration(root, "", "connection.heartbeat_interval", &cfg.Connection.HeartbeatInterval)
	var missed int64
	p.int64(root, "", "connection.max_missed_pongs", &missed)
	cfg.Connection.MaxMissedPongs = int(missed)

	if model, ok := p.value(root, "", "model"); ok {
		obj, isObj := model.(ir.IRObject)
		if !isObj {
			p.fail(root.LookupPath(cue.ParsePath("model")), "model", "must be a struct")
		} else {
			cfg.Model = obj
		}
	}

	cfg.Actions = p.actions(root)
	if len(p.errs) > 0 {
		return nil, p.errs
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parser extracts fields, collecting every problem instead of stopping at
// the first one.
type parser struct {
	errs Errors
}

func (p *parser) fail(v cue.Value, field, msg string) {
	p.errs = append(p.errs, &Error{Field: rootField + "." + field, Message: msg, Pos: v.Pos()})
}

func (p *parser) cueErr(field string, err error) {
	if e, ok := cueError(rootField+"."+field, err).(*Error); ok {
		p.errs = append(p.errs, e)
	}
}

func (p *parser) lookup(v cue.Value, field string) (cue.Value, bool) {
	f := v.LookupPath(cue.ParsePath(field))
	return f, f.Exists()
}

// label joins a field onto the label of its enclosing struct.
func label(at, field string) string {
	if at == "" {
		return field
	}
	return at + "." + field
}

func (p *parser) str(v cue.Value, at, field string, dst *string) {
	f, ok := p.lookup(v, field)
	if !ok {
		return
	}
	s, err := f.String()
	if err != nil {
		p.cueErr(label(at, field), err)
		return
	}
	*dst = s
}

func (p *parser) int64(v cue.Value, at, field string, dst *int64) {
	f, ok := p.lookup(v, field)
	if !ok {
		return
	}
	n, err := f.Int64()
	if err != nil {
		p.cueErr(label(at, field), err)
		return
	}
	*dst = n
}

// duration accepts a Go duration string ("500ms") or an integer number of
// milliseconds.
func (p *parser) duration(v cue.Value, at, field string, dst *time.Duration) {
	f, ok := p.lookup(v, field)
	if !ok {
		return
	}
	if ms, err := f.Int64(); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	s, err := f.String()
	if err != nil {
		p.fail(f, label(at, field), "must be a duration string or milliseconds")
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p.fail(f, label(at, field), err.Error())
		return
	}
	*dst = d
}

// value converts a concrete CUE value to the IR through its JSON form.
func (p *parser) value(v cue.Value, at, field string) (ir.IRValue, bool) {
	f, ok := p.lookup(v, field)
	if !ok {
		return nil, false
	}
	return p.convert(f, label(at, field))
}

func (p *parser) convert(f cue.Value, field string) (ir.IRValue, bool) {
	data, err := f.MarshalJSON()
	if err != nil {
		p.cueErr(field, err)
		return nil, false
	}
	out, err := ir.UnmarshalIRValue(data)
	if err != nil {
		p.fail(f, field, err.Error())
		return nil, false
	}
	return out, true
}

func (p *parser) actions(root cue.Value) map[string]ActionSpec {
	f, ok := p.lookup(root, "actions")
	if !ok {
		return nil
	}
	iter, err := f.Fields()
	if err != nil {
		p.cueErr("actions", err)
		return nil
	}
	out := make(map[string]ActionSpec)
	for iter.Next() {
		name := iter.Label()
		field := "actions." + name
		av := iter.Value()

		var spec ActionSpec
		p.str(av, field, "impact", &spec.Impact)
		spec.Memory = p.edits(av, field, "memory")
		spec.RevertMemory = p.edits(av, field, "revert_memory")
		spec.SQL = p.queries(av, field, "sql")
		spec.RevertSQL = p.queries(av, field, "revert_sql")
		out[name] = spec
	}
	return out
}

func (p *parser) edits(action cue.Value, prefix, field string) []Edit {
	f, ok := p.lookup(action, field)
	if !ok {
		return nil
	}
	list, err := f.List()
	if err != nil {
		p.cueErr(prefix+"."+field, err)
		return nil
	}
	var out []Edit
	for i := 0; list.Next(); i++ {
		item := list.Value()
		at := fmt.Sprintf("%s.%s[%d]", prefix, field, i)

		var e Edit
		p.str(item, at, "op", &e.Op)
		if path, ok := p.value(item, at, "path"); ok {
			arr, isArr := path.(ir.IRArray)
			if !isArr {
				p.fail(item, at+".path", "must be a list")
				continue
			}
			e.Path = []ir.IRValue(arr)
		}
		if v, ok := p.value(item, at, "value"); ok {
			e.Value = v
		}
		out = append(out, e)
	}
	return out
}

func (p *parser) queries(action cue.Value, prefix, field string) []Query {
	f, ok := p.lookup(action, field)
	if !ok {
		return nil
	}
	list, err := f.List()
	if err != nil {
		p.cueErr(prefix+"."+field, err)
		return nil
	}
	var out []Query
	for i := 0; list.Next(); i++ {
		item := list.Value()
		at := fmt.Sprintf("%s.%s[%d]", prefix, field, i)

		var q Query
		p.str(item, at, "sql", &q.SQL)
		if params, ok := p.value(item, at, "params"); ok {
			arr, isArr := params.(ir.IRArray)
			if !isArr {
				p.fail(item, at+".params", "must be a list")
			}
			q.Params = []ir.IRValue(arr)
		}
		out = append(out, q)
	}
	return out
}
