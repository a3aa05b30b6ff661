// Package console implements the operator command loop: a line-oriented
// reader over a fixed command table, with edit-distance suggestions for
// near-miss input.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestDistance bounds how far an unknown token may be from a known
// command and still earn a suggestion.
const maxSuggestDistance = 3

// Command is one operator action.
type Command struct {
	Name        string
	Description string
	Usage       string
	Arity       int
	Action      func(args []string) error
}

// Console reads operator lines and dispatches them against the table.
type Console struct {
	commands []Command
	out      io.Writer
}

func New(out io.Writer) *Console {
	c := &Console{out: out}
	c.Register(Command{
		Name:        "help",
		Description: "list available commands",
		Usage:       "help",
		Action: func([]string) error {
			c.printHelp()
			return nil
		},
	})
	return c
}

// Register appends a command to the table.
func (c *Console) Register(cmd Command) {
	c.commands = append(c.commands, cmd)
}

func (c *Console) printHelp() {
	for _, cmd := range c.commands {
		fmt.Fprintf(c.out, "  %-18s %s\n", cmd.Usage, cmd.Description)
	}
}

// find returns the command with the given name, or nil.
func (c *Console) find(name string) *Command {
	for i := range c.commands {
		if c.commands[i].Name == name {
			return &c.commands[i]
		}
	}
	return nil
}

// Suggest returns the closest command name within the suggestion bound,
// or "" when every command is too far away.
func (c *Console) Suggest(input string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, cmd := range c.commands {
		if d := levenshtein.ComputeDistance(input, cmd.Name); d < bestDist {
			best, bestDist = cmd.Name, d
		}
	}
	return best
}

// Eval normalizes and executes one input line.
func (c *Console) Eval(line string) error {
	tokens := strings.Fields(strings.TrimSpace(line))
	if len(tokens) == 0 {
		return nil
	}

	cmd := c.find(tokens[0])
	if cmd == nil {
		if suggestion := c.Suggest(tokens[0]); suggestion != "" {
			fmt.Fprintf(c.out, "unknown command %q, did you mean %q?\n", tokens[0], suggestion)
		} else {
			fmt.Fprintf(c.out, "unknown command %q\n", tokens[0])
		}
		return nil
	}

	args := tokens[1:]
	if len(args) != cmd.Arity {
		fmt.Fprintf(c.out, "usage: %s\n", cmd.Usage)
		return nil
	}
	return cmd.Action(args)
}

// ErrStopped is returned by Run when a command action asks the loop to
// terminate.
var ErrStopped = fmt.Errorf("console stopped")

// Run reads lines from r until EOF or until an action returns
// ErrStopped. Action errors other than ErrStopped are printed and the
// loop continues.
func (c *Console) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := c.Eval(scanner.Text()); err != nil {
			if err == ErrStopped {
				return ErrStopped
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}
