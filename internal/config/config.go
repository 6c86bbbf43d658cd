// Package config loads application configuration for a lofi client from CUE
// files and turns it into an engine.Config.
//
// A config file declares one top-level struct:
//
//	lofi: {
//		url:              "ws://localhost:8080/sync"
//		protocol_version: "v0.3.0"
//		storage: {path: "app.db", max_bytes: 1048576, migrations: "migrations"}
//		connection: {reconnect_delay: "500ms", heartbeat_interval: "2s", max_missed_pongs: 3}
//		model: {todos: []}
//		actions: addTodo: {
//			impact: "optimistic_push"
//			memory: [{op: "append", path: ["todos"], value: {id: "$data.id", title: "$data.title"}}]
//			revert_memory: [{op: "delete", path: ["todos", "$data.index"]}]
//			sql: [{sql: "INSERT INTO todos (id, title) VALUES (?, ?)", params: ["$data.id", "$data.title"]}]
//		}
//	}
//
// Strings of the form "$data" or "$data.a.b" inside paths, values and SQL
// parameters are replaced by the matching part of the transition data when
// the action runs. A leading "$$" escapes a literal dollar sign.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/transition"
	"github.com/roach88/lofi/internal/wire"
)

// Edit operations.
const (
	OpSet    = "set"
	OpDelete = "delete"
	OpAppend = "append"
)

// Config is the validated application configuration.
type Config struct {
	URL             string                `json:"url" validate:"omitempty,url"`
	ProtocolVersion string                `json:"protocol_version" validate:"omitempty,protover"`
	Storage         Storage               `json:"storage"`
	Connection      Connection            `json:"connection"`
	Model           ir.IRObject           `json:"model"`
	Actions         map[string]ActionSpec `json:"actions" validate:"dive,keys,required,endkeys"`

	// Dir is the directory the config was loaded from. Relative storage
	// paths resolve against it.
	Dir string `json:"-"`
}

// Storage configures the embedded database.
type Storage struct {
	Path       string `json:"path"`
	MaxBytes   int64  `json:"max_bytes" validate:"gte=0"`
	Migrations string `json:"migrations" validate:"excluded_without=Path"`
}

// Connection configures the authority channel. Zero values take the
// connection manager's defaults.
type Connection struct {
	ReconnectDelay    time.Duration `json:"reconnect_delay" validate:"gte=0"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" validate:"gte=0"`
	MaxMissedPongs    int           `json:"max_missed_pongs" validate:"gte=0"`
}

// ActionSpec declares one action's impact and its local effects.
type ActionSpec struct {
	Impact       string  `json:"impact" validate:"required,impact"`
	Memory       []Edit  `json:"memory" validate:"dive"`
	RevertMemory []Edit  `json:"revert_memory" validate:"dive"`
	SQL          []Query `json:"sql" validate:"dive"`
	RevertSQL    []Query `json:"revert_sql" validate:"dive"`
}

// Edit is one declarative memory-model change.
type Edit struct {
	Op    string      `json:"op" validate:"required,oneof=set delete append"`
	Path  []ir.IRValue `json:"path" validate:"min=1"`
	Value ir.IRValue  `json:"value"`
}

// Query is one SQL statement run in the action's storage transaction.
type Query struct {
	SQL    string       `json:"sql" validate:"required"`
	Params []ir.IRValue `json:"params"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("protover", func(fl validator.FieldLevel) bool {
		return wire.Canonical(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("impact", func(fl validator.FieldLevel) bool {
		_, err := transition.ParseImpact(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(validateAction, ActionSpec{})
	v.RegisterStructValidation(validateEdit, Edit{})
	return v
}

// validateAction rejects effects an impact never runs: nudges have no local
// effects and only optimistic pushes are ever reverted.
func validateAction(sl validator.StructLevel) {
	a := sl.Current().Interface().(ActionSpec)
	impact, err := transition.ParseImpact(a.Impact)
	if err != nil {
		return
	}
	switch impact {
	case transition.WsOnlyNudge, transition.UnreliableWsOnlyNudge:
		if len(a.Memory) > 0 {
			sl.ReportError(a.Memory, "memory", "Memory", "nolocal", "")
		}
		if len(a.SQL) > 0 {
			sl.ReportError(a.SQL, "sql", "SQL", "nolocal", "")
		}
	}
	if impact != transition.OptimisticPush {
		if len(a.RevertMemory) > 0 {
			sl.ReportError(a.RevertMemory, "revert_memory", "RevertMemory", "norevert", "")
		}
		if len(a.RevertSQL) > 0 {
			sl.ReportError(a.RevertSQL, "revert_sql", "RevertSQL", "norevert", "")
		}
	}
}

func validateEdit(sl validator.StructLevel) {
	e := sl.Current().Interface().(Edit)
	for _, seg := range e.Path {
		switch seg.(type) {
		case ir.IRString, ir.IRInt:
		default:
			sl.ReportError(e.Path, "path", "Path", "segment", "")
			return
		}
	}
	if e.Op != OpDelete && e.Value == nil {
		sl.ReportError(e.Value, "value", "Value", "required", "")
	}
}

// Validate checks c and returns an *Error per failing field, joined.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	errs := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, &Error{Field: fieldPath(fe.Namespace()), Message: describe(fe)})
	}
	return errs
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return "lofi." + rest
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("%q is not a URL", fe.Value())
	case "protover":
		return fmt.Sprintf("%q is not a semantic version", fe.Value())
	case "impact", "oneof":
		return fmt.Sprintf("%v is not one of the allowed values", fe.Value())
	case "nolocal":
		return "nudge actions cannot declare local effects"
	case "norevert":
		return "only optimistic_push actions are reverted"
	case "segment":
		return "path segments must be strings or integers"
	case "excluded_without":
		return "requires storage.path"
	case "min":
		return "must not be empty"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
