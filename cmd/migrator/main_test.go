package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records which commands were invoked.
type fakeRunner struct {
	calls []string
	err   error
}

func (f *fakeRunner) record(name string) error {
	f.calls = append(f.calls, name)

	return f.err
}

func (f *fakeRunner) Up() error       { return f.record("up") }
func (f *fakeRunner) Down() error     { return f.record("down") }
func (f *fakeRunner) Status() error   { return f.record("status") }
func (f *fakeRunner) Version() error  { return f.record("version") }
func (f *fakeRunner) Validate() error { return f.record("validate") }
func (f *fakeRunner) Drop() error     { return f.record("drop") }
func (f *fakeRunner) Close() error    { return nil }

func TestExecuteCommandDispatch(t *testing.T) {
	for _, command := range []string{"up", "down", "status", "version", "validate"} {
		t.Run(command, func(t *testing.T) {
			runner := &fakeRunner{}
			require.NoError(t, executeCommand(command, runner, strings.NewReader("")))
			assert.Equal(t, []string{command}, runner.calls)
		})
	}
}

func TestExecuteCommandUnknown(t *testing.T) {
	runner := &fakeRunner{}
	err := executeCommand("sideways", runner, strings.NewReader(""))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
	assert.Empty(t, runner.calls)
}

func TestExecuteCommandPropagatesRunnerError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("dirty database")}
	err := executeCommand("up", runner, strings.NewReader(""))

	assert.ErrorContains(t, err, "dirty database")
}

func TestExecuteCommandDropRequiresConfirmation(t *testing.T) {
	runner := &fakeRunner{}
	require.NoError(t, executeCommand("drop", runner, strings.NewReader("n\n")))
	assert.Empty(t, runner.calls)

	require.NoError(t, executeCommand("drop", runner, strings.NewReader("y\n")))
	assert.Equal(t, []string{"drop"}, runner.calls)
}
