package main

import (
	"context"
	"log"

	"github.com/buildbot/highscore/internal/app"
	"github.com/buildbot/highscore/internal/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := a.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
