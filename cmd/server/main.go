package main

import (
	"context"
	"log"
	"os"

	"github.com/iplchat/iplchat/internal/server"
	"github.com/iplchat/iplchat/internal/server/config"
)

func main() {

	ctx := context.Background()

	cfg, configPath, err := config.Bootstrap(config.StartupFile(), os.Stdin, os.Stdout)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	app, err := server.NewApp(cfg, configPath)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

	app.Run(ctx)
}
