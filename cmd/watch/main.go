// watch polls one episode's status until it reaches a terminal state,
// printing a notification on completion or failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/poller"
)

type consoleNotifier struct{}

func (consoleNotifier) EpisodeCompleted(episodeID, message string) {
	fmt.Printf("episode %s completed: %s\n", episodeID, message)
}

func (consoleNotifier) EpisodeFailed(episodeID, message string) {
	fmt.Printf("episode %s failed: %s\n", episodeID, message)
}

func main() {
	baseURL := flag.String("api", "", "pipeline API base URL (defaults to http://localhost:<HTTP_PORT>)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: watch [-api URL] <episode-id>")
		os.Exit(2)
	}
	episodeID := flag.Arg(0)

	_ = godotenv.Load()
	cfg := config.Load()
	if *baseURL == "" {
		*baseURL = "http://localhost:" + cfg.HTTPPort
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := poller.NewHTTPClient(*baseURL)

	// Seed with the current status so an already-finished episode needs no
	// polling at all.
	initial, err := client.EpisodeStatus(ctx, episodeID)
	if err != nil {
		logger.Fatal("fetch initial status", zap.String("episode_id", episodeID), zap.Error(err))
	}

	p := poller.New(episodeID, initial.Status, client, consoleNotifier{}, nil, cfg.StatusPollTimeout, logger)
	p.Start(ctx)
	defer p.Stop()

	fmt.Printf("watching episode %s (status: %s)\n", episodeID, initial.Status)
	select {
	case <-p.Done():
		fmt.Printf("final status: %s\n", p.LastStatus())
	case <-ctx.Done():
	}
}
