// Package cli is the interactive terminal front-end over the client
// core. It subscribes to the core's events and exposes a small command
// loop for registration, key exchange and messaging.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/iplchat/iplchat/internal/client"
	"github.com/iplchat/iplchat/internal/common"
	"github.com/iplchat/iplchat/internal/logging"
	"github.com/iplchat/iplchat/internal/protocol"
)

// getSimpleText and getPassword are indirections used to facilitate
// testing.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

type App struct {
	core   *client.Client
	reader *bufio.Reader
	log    logging.Logger
}

// NewApp composes the client core with terminal I/O. addr is the broker
// address, keyDir the keychain directory.
func NewApp(addr, keyDir string, log logging.Logger) (*App, error) {
	a := &App{reader: bufio.NewReader(os.Stdin), log: log}

	events := client.Events{
		OnMessage: func(peer string, plaintext []byte, kind protocol.MessageKind) {
			if kind == protocol.KindFile {
				fmt.Printf("\n[%s] sent a file (%d bytes)\n", peer, len(plaintext))
				return
			}
			fmt.Printf("\n[%s] %s\n", peer, plaintext)
		},
		OnPeerJoined: func(peer string) {
			fmt.Printf("\n[%s] shared a key with you\n", peer)
		},
		OnConnectionState: func(s client.ConnectionState) {
			fmt.Printf("\n(%s)\n", s)
		},
	}

	core, err := client.New(keyDir, events, log)
	if err != nil {
		return nil, err
	}
	if err := core.Connect(context.Background(), addr); err != nil {
		return nil, err
	}
	a.core = core
	return a, nil
}

func (a *App) isLoggedIn() bool {
	return a.core.UserUUID() != ""
}

// Register prompts for credentials and creates an account.
func (a *App) Register(ctx context.Context) error {
	username, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}
	password, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.core.Register(ctx, username, password); err != nil {
		return err
	}
	fmt.Println("Success!")
	return nil
}

// Login prompts for credentials and authenticates.
func (a *App) Login(ctx context.Context) error {
	username, err := getSimpleText(a.reader, "Enter username", os.Stdout)
	if err != nil {
		return err
	}
	password, err := getPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.core.Login(ctx, username, password); err != nil {
		return err
	}
	fmt.Println("Success!")
	return nil
}

// Channels prints the subscription list.
func (a *App) Channels(ctx context.Context) error {
	channels, err := a.core.Channels(ctx)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		fmt.Printf("  %s  %s\n", ch.UUID, ch.Name)
	}
	return nil
}

// Search prompts for a pattern and prints matching users.
func (a *App) Search(ctx context.Context) error {
	pattern, err := getSimpleText(a.reader, "Search for", os.Stdout)
	if err != nil {
		return err
	}
	users, err := a.core.SearchUsers(ctx, pattern)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, u := range users {
		fmt.Printf("  %s  %s\n", u.UUID, u.Name)
	}
	return nil
}

// Add joins a peer's channel and exchanges keys so messages can flow.
func (a *App) Add(ctx context.Context) error {
	peer, err := getSimpleText(a.reader, "Peer uuid", os.Stdout)
	if err != nil {
		return err
	}
	if err := a.core.JoinChannel(ctx, peer); err != nil {
		return err
	}
	if err := a.core.ExchangeKeys(ctx, peer); err != nil {
		return err
	}
	fmt.Println("Peer added.")
	return nil
}

// Send prompts for a recipient and a line of text.
func (a *App) Send(ctx context.Context) error {
	peer, err := getSimpleText(a.reader, "Peer uuid", os.Stdout)
	if err != nil {
		return err
	}
	text, err := getSimpleText(a.reader, "Message", os.Stdout)
	if err != nil {
		return err
	}
	return a.core.Send(ctx, peer, []byte(text), protocol.KindText)
}

// Logout ends the session.
func (a *App) Logout(ctx context.Context) error {
	return a.core.Logout(ctx)
}

// Close releases the core.
func (a *App) Close() error {
	return a.core.Close()
}

// Run drives the command loop until exit.
func (a *App) Run(ctx context.Context) {
	runREPL(ctx, a, func() string {
		if a.isLoggedIn() {
			return a.core.Username()
		}
		return "not logged in"
	}, bufio.NewScanner(os.Stdin))
}
