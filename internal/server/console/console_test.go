package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(out *bytes.Buffer) (*Console, *[]string) {
	c := New(out)
	var calls []string
	for _, name := range []string{"stop", "clear", "clients", "snapshot", "snapshot-list"} {
		name := name
		c.Register(Command{
			Name:        name,
			Description: name,
			Usage:       name,
			Action: func([]string) error {
				calls = append(calls, name)
				return nil
			},
		})
	}
	c.Register(Command{
		Name:        "snapshot-load",
		Description: "load a snapshot",
		Usage:       "snapshot-load <name>",
		Arity:       1,
		Action: func(args []string) error {
			calls = append(calls, "snapshot-load:"+args[0])
			return nil
		},
	})
	return c, &calls
}

func TestEval_ExactMatch(t *testing.T) {
	var out bytes.Buffer
	c, calls := newTestConsole(&out)

	require.NoError(t, c.Eval("clients"))
	assert.Equal(t, []string{"clients"}, *calls)
}

func TestEval_NormalizesWhitespace(t *testing.T) {
	var out bytes.Buffer
	c, calls := newTestConsole(&out)

	require.NoError(t, c.Eval("   snapshot-load     20260806120000 "))
	assert.Equal(t, []string{"snapshot-load:20260806120000"}, *calls)
}

func TestEval_SuggestsNearMiss(t *testing.T) {
	var out bytes.Buffer
	c, calls := newTestConsole(&out)

	require.NoError(t, c.Eval("clinets"))
	assert.Empty(t, *calls)
	assert.Contains(t, out.String(), `did you mean "clients"?`)
}

func TestEval_NoSuggestionBeyondDistanceThree(t *testing.T) {
	var out bytes.Buffer
	c, _ := newTestConsole(&out)

	require.NoError(t, c.Eval("xyzzyqwert"))
	assert.Contains(t, out.String(), "unknown command")
	assert.NotContains(t, out.String(), "did you mean")
}

func TestEval_ArityMismatchPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	c, calls := newTestConsole(&out)

	require.NoError(t, c.Eval("snapshot-load"))
	assert.Empty(t, *calls)
	assert.Contains(t, out.String(), "usage: snapshot-load <name>")
}

func TestEval_EmptyLine(t *testing.T) {
	var out bytes.Buffer
	c, calls := newTestConsole(&out)

	require.NoError(t, c.Eval("   "))
	assert.Empty(t, *calls)
}

func TestEval_Help(t *testing.T) {
	var out bytes.Buffer
	c, _ := newTestConsole(&out)

	require.NoError(t, c.Eval("help"))
	assert.Contains(t, out.String(), "snapshot-load <name>")
}

func TestRun_StopTerminatesLoop(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)
	c.Register(Command{
		Name:        "stop",
		Description: "stop the server",
		Usage:       "stop",
		Action:      func([]string) error { return ErrStopped },
	})

	err := c.Run(strings.NewReader("clients\nstop\nclients\n"))
	assert.Equal(t, ErrStopped, err)
}
