package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/iplchat/iplchat/internal/client/cli"
	"github.com/iplchat/iplchat/internal/logging"
)

func main() {

	addr := flag.String("a", "127.0.0.1:4589", "broker address")
	keyDir := flag.String("k", filepath.Join(xdg.DataHome, "iplchat", "client"), "keychain directory")
	flag.Parse()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	app, err := cli.NewApp(*addr, *keyDir, logger)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Run(context.Background())
}
