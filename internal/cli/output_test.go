package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"applied": 2}))

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data["applied"])
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeConfig, "config invalid", map[string]string{"file": "app.cue"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
	assert.Equal(t, "config invalid", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_JSONFailureKeepsData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Failure(ErrCodeTestFailed, "1 scenario(s) failed", map[string]int{"failed": 1}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, map[string]any{"failed": float64(1)}, resp.Data)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("migrated"))
	require.NoError(t, formatter.Error(ErrCodeGeneric, "boom", map[string]string{"x": "y"}))
	assert.Equal(t, "migrated\nError [E001]: boom\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(ErrCodeGeneric, "boom", "ctx"))
	assert.Contains(t, buf.String(), "Details: ctx")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			formatter.VerboseLog("Processing %s", "app.cue")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Equal(t, "Processing app.cue\n", diag.String())
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	cause := errors.New("disk full")
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "migrate", cause))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "outer: migrate: disk full", wrapped.Error())
}
