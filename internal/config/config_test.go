package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/memory"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/transition"
)

const todoConfig = `
lofi: {
	url:              "ws://localhost:8080/sync"
	protocol_version: "0.3.0"
	storage: {
		path:       "app.db"
		max_bytes:  1048576
		migrations: "migrations"
	}
	connection: {
		reconnect_delay:    "250ms"
		heartbeat_interval: 2000
		max_missed_pongs:   4
	}
	model: {todos: [], title: "inbox"}
	actions: {
		addTodo: {
			impact: "optimistic_push"
			memory: [{op: "append", path: ["todos"], value: {id: "$data.id", title: "$data.title", done: false}}]
			revert_memory: [{op: "delete", path: ["todos", "$data.index"]}]
			sql: [{sql: "INSERT INTO todos (id, title) VALUES (?, ?)", params: ["$data.id", "$data.title"]}]
			revert_sql: [{sql: "DELETE FROM todos WHERE id = ?", params: ["$data.id"]}]
		}
		rename: {
			impact: "local_only"
			memory: [{op: "set", path: ["title"], value: "$data.title"}]
		}
		typing: impact: "unreliable_ws_only_nudge"
	}
}
`

func TestLoadBytes_FullConfig(t *testing.T) {
	cfg, err := LoadBytes("app.cue", []byte(todoConfig))
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/sync", cfg.URL)
	assert.Equal(t, "0.3.0", cfg.ProtocolVersion)
	assert.Equal(t, Storage{Path: "app.db", MaxBytes: 1 << 20, Migrations: "migrations"}, cfg.Storage)
	assert.Equal(t, Connection{
		ReconnectDelay:    250 * time.Millisecond,
		HeartbeatInterval: 2 * time.Second,
		MaxMissedPongs:    4,
	}, cfg.Connection)
	assert.Equal(t, ir.IRObject{"todos": ir.IRArray{}, "title": ir.IRString("inbox")}, cfg.Model)

	require.Len(t, cfg.Actions, 3)
	add := cfg.Actions["addTodo"]
	assert.Equal(t, "optimistic_push", add.Impact)
	require.Len(t, add.Memory, 1)
	assert.Equal(t, OpAppend, add.Memory[0].Op)
	assert.Equal(t, []ir.IRValue{ir.IRString("todos")}, add.Memory[0].Path)
	require.Len(t, add.SQL, 1)
	assert.Equal(t, []ir.IRValue{ir.IRString("$data.id"), ir.IRString("$data.title")}, add.SQL[0].Params)
	assert.Empty(t, cfg.Actions["typing"].Memory)
}

func TestLoad_ResolvesPathsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.cue")
	require.NoError(t, os.WriteFile(path, []byte(todoConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app.db"), cfg.StoragePath())
	assert.Equal(t, filepath.Join(dir, "migrations"), cfg.MigrationsDir())

	fromDir, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Actions, fromDir.Actions)
}

func TestLoad_DirectoryUnifiesFilesWithoutPackage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.cue"),
		[]byte("lofi: storage: {path: \"app.db\", max_bytes: 1048576}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "actions.cue"),
		[]byte("lofi: {\n\tmodel: {title: \"inbox\"}\n\tactions: rename: {impact: \"local_only\", memory: [{op: \"set\", path: [\"title\"], value: \"$data.title\"}]}\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxBytes)
	assert.Equal(t, filepath.Join(dir, "app.db"), cfg.StoragePath())
	assert.Contains(t, cfg.Actions, "rename")
	assert.Equal(t, ir.IRString("inbox"), cfg.Model["title"])
}

func TestLoad_DirectoryWithoutCUEFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "no .cue files")
}

func TestStoragePath_MemoryAndAbsolute(t *testing.T) {
	c := &Config{Dir: "/etc/lofi", Storage: Storage{Path: ":memory:"}}
	assert.Equal(t, ":memory:", c.StoragePath())
	c.Storage.Path = "/var/lib/app.db"
	assert.Equal(t, "/var/lib/app.db", c.StoragePath())
	c.Storage.Path = ""
	assert.Equal(t, "", c.StoragePath())
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "migrations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrations", "journal.yaml"),
		[]byte("entries:\n  - {idx: 0, when: 100, tag: 0000_init}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "migrations", "0000_init.sql"),
		[]byte("CREATE TABLE todos (id TEXT PRIMARY KEY);"), 0o644))

	c := &Config{Dir: dir, Storage: Storage{Path: "app.db", Migrations: "migrations"}}
	migrations, err := c.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, "0000_init", migrations[0].Tag)

	c.Storage.Migrations = "elsewhere"
	_, err = c.LoadMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load migrations from "+filepath.Join(dir, "elsewhere"))

	none, err := (&Config{}).LoadMigrations()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cue"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadBytes_SyntaxErrorHasPosition(t *testing.T) {
	_, err := LoadBytes("broken.cue", []byte("lofi: {\n\turl: \n"))
	require.Error(t, err)
	var cerr *Error
	require.True(t, errors.As(err, &cerr), "got %T: %v", err, err)
	assert.True(t, cerr.Pos.IsValid())
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestLoadBytes_MissingRoot(t *testing.T) {
	_, err := LoadBytes("app.cue", []byte(`other: {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lofi struct")
}

func TestLoadBytes_FloatsAreRejected(t *testing.T) {
	_, err := LoadBytes("app.cue", []byte(`lofi: model: {ratio: 1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lofi.model")
}

func TestLoadBytes_BadDuration(t *testing.T) {
	_, err := LoadBytes("app.cue", []byte(`lofi: connection: reconnect_delay: "soon"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lofi.connection.reconnect_delay")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown impact",
			src:  `lofi: actions: go: impact: "eventually"`,
			want: "lofi.actions[go].impact",
		},
		{
			name: "missing impact",
			src:  `lofi: actions: go: {}`,
			want: "lofi.actions[go].impact: is required",
		},
		{
			name: "nudge with local effects",
			src:  `lofi: actions: ping: {impact: "ws_only_nudge", memory: [{op: "set", path: ["x"], value: 1}]}`,
			want: "nudge actions cannot declare local effects",
		},
		{
			name: "revert on local only",
			src:  `lofi: actions: x: {impact: "local_only", revert_sql: [{sql: "DELETE FROM t"}]}`,
			want: "only optimistic_push actions are reverted",
		},
		{
			name: "unknown edit op",
			src:  `lofi: actions: x: {impact: "local_only", memory: [{op: "merge", path: ["x"], value: 1}]}`,
			want: "lofi.actions[x].memory[0].op",
		},
		{
			name: "empty path",
			src:  `lofi: actions: x: {impact: "local_only", memory: [{op: "delete", path: []}]}`,
			want: "must not be empty",
		},
		{
			name: "set without value",
			src:  `lofi: actions: x: {impact: "local_only", memory: [{op: "set", path: ["x"]}]}`,
			want: "lofi.actions[x].memory[0].value: is required",
		},
		{
			name: "boolean path segment",
			src:  `lofi: actions: x: {impact: "local_only", memory: [{op: "delete", path: [true]}]}`,
			want: "path segments must be strings or integers",
		},
		{
			name: "bad protocol version",
			src:  `lofi: protocol_version: "latest"`,
			want: "is not a semantic version",
		},
		{
			name: "bad url",
			src:  `lofi: url: "not a url"`,
			want: "lofi.url",
		},
		{
			name: "migrations without storage",
			src:  `lofi: storage: migrations: "m"`,
			want: "requires storage.path",
		},
		{
			name: "negative size cap",
			src:  `lofi: storage: {path: "a.db", max_bytes: -1}`,
			want: "lofi.storage.max_bytes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes("app.cue", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	_, err := LoadBytes("app.cue", []byte(`lofi: {protocol_version: "x", actions: a: impact: "y"}`))
	var errs Errors
	require.True(t, errors.As(err, &errs))
	assert.Len(t, errs, 2)
}

func TestEngineConfig(t *testing.T) {
	cfg, err := LoadBytes("app.cue", []byte(todoConfig))
	require.NoError(t, err)
	cfg.Dir = "/srv"

	migrations := []store.Migration{{Tag: "0000_init"}}
	ec, err := cfg.EngineConfig(migrations)
	require.NoError(t, err)

	assert.Equal(t, "/srv/app.db", ec.StoragePath)
	assert.Equal(t, int64(1<<20), ec.MaxStorageBytes)
	assert.Equal(t, migrations, ec.Migrations)
	assert.Equal(t, 250*time.Millisecond, ec.ReconnectDelay)
	assert.Equal(t, 4, ec.MaxMissedPongs)
	assert.Equal(t, cfg.Model, ec.InitialModel)

	add := ec.Actions["addTodo"]
	assert.Equal(t, transition.OptimisticPush, add.Impact)
	assert.NotNil(t, add.Handler.EditMemoryModel)
	assert.NotNil(t, add.Handler.RevertMemoryModel)
	assert.NotNil(t, add.Handler.EditDB)
	assert.NotNil(t, add.Handler.RevertDB)

	typing := ec.Actions["typing"]
	assert.Equal(t, transition.UnreliableWsOnlyNudge, typing.Impact)
	assert.Equal(t, transition.Handler{}, typing.Handler)

	// The engine gets its own copy of the model.
	ec.InitialModel["title"] = ir.IRString("changed")
	assert.Equal(t, ir.IRString("inbox"), cfg.Model["title"])
}

func TestEngineConfig_EmptyModel(t *testing.T) {
	ec, err := (&Config{}).EngineConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{}, ec.InitialModel)
}

func TestEdit_Apply(t *testing.T) {
	tree := memory.New(ir.IRObject{"todos": ir.IRArray{}})
	data := ir.IRObject{"id": ir.IRString("t1"), "title": ir.IRString("milk"), "index": ir.IRInt(0)}

	add := Edit{Op: OpAppend, Path: []ir.IRValue{ir.IRString("todos")},
		Value: ir.IRObject{"id": ir.IRString("$data.id"), "title": ir.IRString("$data.title")}}
	require.NoError(t, add.Apply(tree, data))
	assert.Equal(t, ir.IRArray{ir.IRObject{"id": ir.IRString("t1"), "title": ir.IRString("milk")}},
		tree.Get(ir.P("todos")))

	set := Edit{Op: OpSet, Path: []ir.IRValue{ir.IRString("todos"), ir.IRString("$data.index"), ir.IRString("done")},
		Value: ir.IRBool(true)}
	require.NoError(t, set.Apply(tree, data))
	assert.Equal(t, ir.IRBool(true), tree.Get(ir.P("todos", 0, "done")))

	del := Edit{Op: OpDelete, Path: []ir.IRValue{ir.IRString("todos"), ir.IRInt(0)}}
	require.NoError(t, del.Apply(tree, data))
	assert.Equal(t, ir.IRArray{ir.IRNull{}}, tree.Get(ir.P("todos")))
}

func TestEdit_ApplyErrors(t *testing.T) {
	tree := memory.New(ir.IRObject{"title": ir.IRString("x")})

	err := Edit{Op: OpSet, Path: []ir.IRValue{ir.IRString("title")}, Value: ir.IRString("$data.missing")}.
		Apply(tree, ir.IRObject{})
	assert.ErrorIs(t, err, ErrMissingData)

	err = Edit{Op: OpAppend, Path: []ir.IRValue{ir.IRString("title")}, Value: ir.IRInt(1)}.Apply(tree, nil)
	assert.ErrorContains(t, err, "not an array")

	err = Edit{Op: OpSet, Path: []ir.IRValue{ir.IRString("a"), ir.IRString("b")}, Value: ir.IRInt(1)}.Apply(tree, nil)
	assert.ErrorContains(t, err, "rejected")

	err = Edit{Op: OpSet, Path: []ir.IRValue{ir.IRString("$data.flag")}, Value: ir.IRInt(1)}.
		Apply(tree, ir.IRObject{"flag": ir.IRBool(true)})
	assert.ErrorContains(t, err, "path segment")
}

func TestResolve(t *testing.T) {
	data := ir.IRObject{
		"user": ir.IRObject{"name": ir.IRString("ada")},
		"tags": ir.IRArray{ir.IRString("a")},
	}

	v, err := Resolve(ir.IRString("$data.user.name"), data)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("ada"), v)

	v, err = Resolve(ir.IRString("$$data.user"), data)
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("$data.user"), v)

	v, err = Resolve(ir.IRString("$data"), data)
	require.NoError(t, err)
	assert.Equal(t, data, v)

	// Referenced containers are copies.
	v, err = Resolve(ir.IRString("$data.tags"), data)
	require.NoError(t, err)
	v.(ir.IRArray)[0] = ir.IRString("changed")
	assert.Equal(t, ir.IRString("a"), data["tags"].(ir.IRArray)[0])

	// Literal containers are copies too.
	tmpl := ir.IRObject{"n": ir.IRInt(1)}
	v, err = Resolve(tmpl, nil)
	require.NoError(t, err)
	v.(ir.IRObject)["n"] = ir.IRInt(2)
	assert.Equal(t, ir.IRInt(1), tmpl["n"])
}

func TestQuery_Args(t *testing.T) {
	q := Query{SQL: "x", Params: []ir.IRValue{
		ir.IRString("$data.id"), ir.IRInt(3), ir.IRBool(true), ir.IRNull{},
		ir.IRObject{"b": ir.IRInt(1), "a": ir.IRInt(2)},
	}}
	args, err := q.Args(ir.IRObject{"id": ir.IRString("t1")})
	require.NoError(t, err)
	assert.Equal(t, []any{"t1", int64(3), true, nil, `{"a":2,"b":1}`}, args)
}

func TestHandler_RunsSQLInOneBatch(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Execute(ctx, "CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT NOT NULL)", nil, store.ModeRun)
	require.NoError(t, err)

	cfg, err := LoadBytes("app.cue", []byte(todoConfig))
	require.NoError(t, err)
	h := cfg.Actions["addTodo"].Handler()
	data := ir.IRObject{"id": ir.IRString("t1"), "title": ir.IRString("milk")}

	require.NoError(t, h.EditDB(ctx, db, data))
	rows, err := db.Execute(ctx, "SELECT id, title FROM todos", nil, store.ModeAll)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRObject{"id": ir.IRString("t1"), "title": ir.IRString("milk")}}, rows)

	// A duplicate insert fails as a whole.
	err = h.EditDB(ctx, db, data)
	var qerr *store.QueryError
	require.True(t, errors.As(err, &qerr))

	require.NoError(t, h.RevertDB(ctx, db, data))
	rows, err = db.Execute(ctx, "SELECT id FROM todos", nil, store.ModeAll)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{}, rows)
}
