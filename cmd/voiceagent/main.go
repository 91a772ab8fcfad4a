// voiceagent runs one voice conversation from the terminal: typed lines
// stand in for recognized speech and replies are synthesized through
// ElevenLabs when configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/teslashibe/go-voiceturn/internal/config"
	"github.com/teslashibe/go-voiceturn/internal/log"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	audioOut := flag.String("audio-out", "", "Write synthesized PCM to this file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceagent: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := log.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceagent: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(cfg, logger, appIO{in: os.Stdin, out: os.Stdout, audioPath: *audioOut})
	if err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}
	if err := app.run(ctx); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}
