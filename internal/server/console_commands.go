package server

import (
	"context"
	"fmt"
	"io"

	"github.com/iplchat/iplchat/internal/server/console"
)

const licenseText = `iplchat server
Distributed under the terms of the MIT license.`

// newConsole builds the operator command table over the running app.
func (app *App) newConsole(ctx context.Context, out io.Writer) *console.Console {
	c := console.New(out)

	c.Register(console.Command{
		Name:        "stop",
		Description: "stop the server",
		Usage:       "stop",
		Action:      func([]string) error { return console.ErrStopped },
	})
	c.Register(console.Command{
		Name:        "clear",
		Description: "clear the screen",
		Usage:       "clear",
		Action: func([]string) error {
			fmt.Fprint(out, "\033[2J\033[H")
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "clients",
		Description: "list connected clients",
		Usage:       "clients",
		Action: func([]string) error {
			sessions := app.registry.Snapshot()
			fmt.Fprintf(out, "%d connected\n", len(sessions))
			for _, s := range sessions {
				name := s.Username
				if name == "" {
					name = "(unauthenticated)"
				}
				fmt.Fprintf(out, "  %s  %s  %s\n", s.StreamID, name, s.Conn.RemoteAddr())
			}
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "snapshot",
		Description: "save a database snapshot",
		Usage:       "snapshot",
		Action: func([]string) error {
			name, err := app.engine.SaveSnapshot(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "saved %s\n", name)
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "snapshot-load",
		Description: "make a snapshot the live database",
		Usage:       "snapshot-load <name>",
		Arity:       1,
		Action: func(args []string) error {
			return app.engine.LoadSnapshot(ctx, args[0])
		},
	})
	c.Register(console.Command{
		Name:        "snapshot-revert",
		Description: "undo the last snapshot load",
		Usage:       "snapshot-revert",
		Action: func([]string) error {
			return app.engine.RevertSnapshotLoad(ctx)
		},
	})
	c.Register(console.Command{
		Name:        "snapshot-list",
		Description: "list stored snapshots",
		Usage:       "snapshot-list",
		Action: func([]string) error {
			for _, name := range app.engine.ListSnapshots() {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "log",
		Description: "show the log file location",
		Usage:       "log",
		Action: func([]string) error {
			fmt.Fprintln(out, app.config.LogfilePath)
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "config",
		Description: "show the active configuration",
		Usage:       "config",
		Action: func([]string) error {
			fmt.Fprintf(out, "config file: %s\n", app.configPath)
			fmt.Fprintf(out, "database: %s/%s (buffered=%v, queue=%d, flush=%s)\n",
				app.config.DatabasePath, app.config.DatabaseName,
				app.config.DatabaseBufferedAccess, app.config.DatabaseQueueSize,
				app.config.DatabaseFlushTimeout)
			fmt.Fprintf(out, "snapshots: %s (every %s, backlog %d)\n",
				app.config.SnapshotPath, app.config.SnapshotTimeout, app.config.SnapshotBacklog)
			fmt.Fprintf(out, "pending messages: %d, cached channels: %d\n",
				app.engine.PendingMessages(), app.engine.CachedChannels())
			return nil
		},
	})
	c.Register(console.Command{
		Name:        "license",
		Description: "show license information",
		Usage:       "license",
		Action: func([]string) error {
			fmt.Fprintln(out, licenseText)
			return nil
		},
	})

	return c
}
