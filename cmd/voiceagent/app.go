package main

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voiceturn/internal/config"
	"github.com/teslashibe/go-voiceturn/pkg/inference"
	"github.com/teslashibe/go-voiceturn/pkg/metrics"
	"github.com/teslashibe/go-voiceturn/pkg/speech"
	"github.com/teslashibe/go-voiceturn/pkg/tools"
	"github.com/teslashibe/go-voiceturn/pkg/tts"
	"github.com/teslashibe/go-voiceturn/pkg/turn"
	"github.com/teslashibe/go-voiceturn/pkg/web"
)

type appIO struct {
	in        io.Reader
	out       io.Writer
	audioPath string
}

// app is one wired conversation session.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	io     appIO

	llm        inference.Provider
	synth      tts.Provider
	audio      io.WriteCloser
	speaker    *consoleSpeaker
	aggregator *metrics.Aggregator
	controller *turn.Controller
	dashboard  *web.Server
}

func newApp(cfg config.Config, logger *zap.Logger, aio appIO) (*app, error) {
	a := &app{cfg: cfg, logger: logger, io: aio}

	llm, err := newLanguageModel(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	a.llm = llm

	a.synth = tts.NewSilence()
	if cfg.TTS.Enabled() {
		el, err := tts.NewElevenLabsWS(
			tts.WithAPIKey(cfg.TTS.APIKey),
			tts.WithVoice(cfg.TTS.VoiceID),
			tts.WithModel(cfg.TTS.Model),
			tts.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		a.synth = el
	} else {
		logger.Info("no ElevenLabs credentials, synthesizing silence")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.aggregator = metrics.NewAggregator(
		metrics.WithBuffer(cfg.Metrics.Buffer),
		metrics.WithExporter(metrics.NewExporter(cfg.Metrics.Namespace, reg)),
		metrics.WithLogger(logger),
	)

	queueOpts := []speech.Option{speech.WithObserver(a.aggregator), speech.WithLogger(logger)}
	if aio.audioPath != "" {
		f, err := os.Create(aio.audioPath)
		if err != nil {
			return nil, err
		}
		a.audio = f
		queueOpts = append(queueOpts, speech.WithSink(speech.SinkFunc(func(ctx context.Context, chunk []byte, _ tts.AudioFormat) error {
			_, err := f.Write(chunk)
			return err
		})))
	}
	a.speaker = &consoleSpeaker{Queue: speech.NewQueue(a.synth, queueOpts...), out: aio.out}

	registry, err := tools.NewRegistry(tools.Builtins(tools.BuiltinConfig{WeatherURL: cfg.Tools.WeatherURL})...)
	if err != nil {
		return nil, err
	}
	invoker := tools.NewInvoker(registry, a.speaker,
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithAwaitFiller(cfg.Tools.AwaitFiller),
		tools.WithObserver(a.aggregator),
		tools.WithLogger(logger),
	)

	participant := turn.Participant{Identity: "console", Name: os.Getenv("USER"), Kind: turn.ParticipantStandard}
	logger.Info("participant joined",
		zap.String("identity", participant.Identity),
		zap.String("stt_model", cfg.STT.ModelFor(participant.Kind)))

	opts := []turn.Option{
		turn.WithInvoker(invoker),
		turn.WithObserver(a.aggregator),
		turn.WithParticipant(participant),
		turn.WithLogger(logger),
	}

	// The dashboard needs the controller and the controller reports state
	// changes to the dashboard, so the listener is bound late.
	var dash *web.Server
	if cfg.Web.Enabled {
		opts = append(opts, turn.WithStateListener(func(sc turn.StateChange) {
			dash.OnStateChange(sc)
		}))
	}

	ctl, err := turn.New(cfg.TurnConfig(), a.llm, a.speaker, opts...)
	if err != nil {
		return nil, err
	}
	a.controller = ctl

	if cfg.Web.Enabled {
		dash = web.NewServer(cfg.Web.Addr(), ctl,
			web.WithUsage(a.aggregator),
			web.WithTools(registry),
			web.WithGatherer(reg),
			web.WithLogger(logger),
		)
		a.dashboard = dash
	}
	return a, nil
}

// newLanguageModel builds the primary client, chained with any fallbacks.
func newLanguageModel(cfg config.LLMConfig, logger *zap.Logger) (inference.Provider, error) {
	endpoints := append([]config.EndpointConfig{cfg.EndpointConfig}, cfg.Fallbacks...)
	providers := make([]inference.Provider, 0, len(endpoints))
	for _, ep := range endpoints {
		model := ep.Model
		if model == "" {
			model = cfg.Model
		}
		client, err := inference.NewClient(
			inference.WithName(ep.Name),
			inference.WithBaseURL(ep.BaseURL),
			inference.WithAPIKey(ep.APIKey),
			inference.WithModel(model),
			inference.WithMaxTokens(cfg.MaxTokens),
			inference.WithTemperature(cfg.Temperature),
			inference.WithTimeout(cfg.Timeout),
			inference.WithRetry(cfg.MaxRetries, inference.DefaultConfig().RetryDelay),
			inference.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		providers = append(providers, client)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return inference.NewChainWithLogger(logger, providers...)
}

// run hosts the session until ctx is done or input ends, then finalizes
// usage collection and logs the summary.
func (a *app) run(ctx context.Context) error {
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	metricsDone := make(chan struct{})
	go func() {
		a.aggregator.Run(metricsCtx)
		close(metricsDone)
	}()

	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()
	g, gctx := errgroup.WithContext(sessionCtx)

	g.Go(func() error {
		if err := a.speaker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer endSession()
		return a.controller.Run(gctx, newConsoleRecognizer(gctx, a.io.in))
	})
	if a.dashboard != nil {
		g.Go(func() error {
			return a.dashboard.Run(gctx)
		})
	}

	err := g.Wait()

	summary, ferr := a.aggregator.Finalize(a.cfg.Metrics.FinalizeTimeout)
	if ferr != nil {
		a.logger.Warn("usage summary incomplete", zap.Error(ferr))
	}
	a.logger.Info("usage summary", zap.Stringer("summary", summary))
	stopMetrics()
	<-metricsDone

	a.close()
	return err
}

func (a *app) close() {
	if err := a.llm.Close(); err != nil {
		a.logger.Warn("close language model", zap.Error(err))
	}
	if err := a.synth.Close(); err != nil {
		a.logger.Warn("close synthesizer", zap.Error(err))
	}
	if a.audio != nil {
		a.audio.Close()
	}
}
