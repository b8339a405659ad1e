// Command voca is the voice-first conversational client: it streams
// microphone audio to the AI service, plays back synthesized speech, and
// dispatches tool calls requested by the model.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkuran/voca/pkg/app"
	"github.com/mkuran/voca/pkg/audio"
	"github.com/mkuran/voca/pkg/client"
	"github.com/mkuran/voca/pkg/config"
	"github.com/mkuran/voca/pkg/identity"
	"github.com/mkuran/voca/pkg/logging"
	"github.com/mkuran/voca/pkg/observe"
	"github.com/mkuran/voca/pkg/protocol"
	"github.com/mkuran/voca/pkg/tools"
	"github.com/mkuran/voca/pkg/transport"
	"github.com/mkuran/voca/pkg/vad"
	"github.com/mkuran/voca/pkg/version"
	"github.com/mkuran/voca/pkg/wakeword"
)

// Exit codes.
const (
	exitOK             = 0
	exitFatalInit      = 1
	exitTransportFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode        = flag.String("mode", "cli", "front-end mode: gui or cli")
		protoFlag   = flag.String("protocol", "", "transport protocol: websocket or mqtt (overrides config)")
		configPath  = flag.String("config", "config.yaml", "path to the YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return exitOK
	}
	if *mode != "cli" && *mode != "gui" {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		return exitFatalInit
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatalInit
	}
	if *protoFlag != "" {
		cfg.Transport.Protocol = *protoFlag
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFatalInit
		}
	}

	if err := logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatalInit
	}
	slog.Info("voca starting", "version", version.String(), "protocol", cfg.Transport.Protocol, "mode", *mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version.String()})
	if err != nil {
		slog.Error("init metrics", "err", err)
		return exitFatalInit
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	// Start the slow host-API enumeration while identity and transport come up.
	audio.PreInitAudio()

	idPath := cfg.Identity.Path
	if idPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("resolve home dir", "err", err)
			return exitFatalInit
		}
		idPath = filepath.Join(home, ".voca", "identity.db")
		if err := os.MkdirAll(filepath.Dir(idPath), 0o700); err != nil {
			slog.Error("create identity dir", "err", err)
			return exitFatalInit
		}
	}
	store, device, err := identity.Open(idPath)
	if err != nil {
		slog.Error("open identity store", "err", err)
		return exitFatalInit
	}
	defer store.Close()
	slog.Info("device identity", "client_id", device.ClientID, "serial", device.Serial)

	eng, err := buildEngine(cfg, store, device)
	if err != nil {
		slog.Error("build engine", "err", err)
		return exitFatalInit
	}

	transportFatal := make(chan struct{}, 1)
	eng.OnStateChange = func(s client.State, reason string) {
		if *mode == "cli" {
			fmt.Printf("\r[%s] %s\n", s, reason)
		}
		if reason == client.ReasonTransportFailed {
			select {
			case transportFatal <- struct{}{}:
			default:
			}
		}
	}
	eng.OnTranscript = func(role, text string) {
		if *mode == "cli" {
			fmt.Printf("%s: %s\n", role, text)
		}
	}
	eng.OnError = func(err error) {
		slog.Warn("session error", "err", err)
	}

	mgr := app.NewManager()
	mgr.Add(app.Func{
		ComponentName: "audio-host",
		OnStop: func(context.Context) error {
			return audio.Terminate()
		},
	})
	if cfg.Metrics.Listen != "" {
		mgr.Add(metricsServer(cfg.Metrics.Listen))
	}
	mgr.Add(app.Func{
		ComponentName: "engine",
		OnStart:       eng.Start,
		OnStop:        eng.Stop,
	})

	if err := mgr.Start(ctx); err != nil {
		slog.Error("startup failed", "err", err)
		return exitFatalInit
	}

	code := exitOK
	if *mode == "cli" {
		code = cliLoop(ctx, eng, transportFatal)
	} else {
		// The GUI collaborator drives the engine over its own channel; the
		// core just runs until signalled.
		select {
		case <-ctx.Done():
		case <-transportFatal:
			code = exitTransportFatal
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(sctx); err != nil {
		slog.Warn("shutdown incomplete", "err", err)
	}
	return code
}

// cliLoop is the minimal terminal front-end: Enter toggles a conversation,
// "q" quits. Wake-word triggers work regardless.
func cliLoop(ctx context.Context, eng *client.Engine, transportFatal <-chan struct{}) int {
	fmt.Println("press Enter to start/stop a conversation, q+Enter to quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK
		case <-transportFatal:
			return exitTransportFatal
		case line, ok := <-lines:
			if !ok {
				return exitOK
			}
			switch line {
			case "q", "quit":
				return exitOK
			case "":
				if eng.State() == client.StateIdle {
					if err := eng.StartConversation(); err != nil {
						slog.Warn("start conversation", "err", err)
					}
				} else {
					eng.StopConversation()
				}
			default:
				// Anything else interrupts playback.
				eng.Abort()
			}
		}
	}
}

// buildEngine assembles the pipeline from configuration.
func buildEngine(cfg *config.Config, store *identity.Store, device *identity.Device) (*client.Engine, error) {
	sel, err := audio.SelectDevices(cfg.Audio.InputDevice, cfg.Audio.OutputDevice)
	if err != nil {
		return nil, err
	}

	deviceRate := cfg.Audio.SampleRate
	if deviceRate == 0 {
		deviceRate = int(sel.Input.SampleRate)
	}
	frameSize := deviceRate * protocol.FrameDuration / 1000

	capture := audio.NewCaptureStream(float64(deviceRate), frameSize, cfg.Audio.InputDevice)
	playback := audio.NewPlaybackStream(float64(deviceRate), frameSize, cfg.Audio.OutputDevice)

	encoder, err := audio.NewEncoder()
	if err != nil {
		return nil, err
	}

	processor := audio.NewProcessor(protocol.SampleRate, cfg.Processing)

	var classifier vad.Classifier
	if cfg.VAD.ModelPath != "" {
		silero, err := vad.NewSileroClassifier(cfg.VAD.ModelPath, cfg.VAD.OnnxLib)
		if err != nil {
			return nil, fmt.Errorf("load vad model: %w", err)
		}
		classifier = silero
	} else {
		classifier = vad.NewEnergyClassifier(cfg.VAD.EnergyThreshold)
	}
	detector, err := vad.NewDetector(classifier, vad.DefaultOptions())
	if err != nil {
		return nil, err
	}

	var wake *wakeword.Detector
	if len(cfg.WakeWord.Keywords) > 0 {
		scorer, err := wakeword.NewOnnxScorer(wakeword.ModelPaths{
			Melspectrogram: cfg.WakeWord.MelspectrogramModel,
			Embedding:      cfg.WakeWord.EmbeddingModel,
			Keywords:       cfg.WakeWord.Keywords,
			OnnxLib:        cfg.WakeWord.OnnxLib,
		})
		if err != nil {
			return nil, fmt.Errorf("load wake word models: %w", err)
		}
		wake = wakeword.NewDetector(scorer, wakeword.Options{
			Threshold:   cfg.WakeWord.Threshold,
			MinInterval: time.Duration(cfg.WakeWord.MinIntervalMs) * time.Millisecond,
		})
	}

	var factory transport.Factory
	switch cfg.Transport.Protocol {
	case "websocket":
		factory = transport.NewWebSocketFactory(transport.WebSocketConfig{
			URL:      cfg.Transport.WebSocket.URL,
			DeviceID: device.MAC,
			ClientID: device.ClientID,
		})
	case "mqtt":
		m := cfg.Transport.MQTT
		factory = transport.NewMQTTFactory(transport.MQTTConfig{
			Endpoint:              m.Endpoint,
			ClientID:              device.ClientID,
			Username:              m.Username,
			Password:              m.Password,
			PublishAudioTopic:     m.PublishAudioTopic,
			PublishControlTopic:   m.PublishControlTopic,
			SubscribeAudioTopic:   m.SubscribeAudioTopic,
			SubscribeControlTopic: m.SubscribeControlTopic,
		})
	}

	// Tool handlers are external collaborators registered before Seal; the
	// core ships with an empty, sealed table.
	registry := tools.NewRegistry()
	registry.Seal()

	return client.New(client.Options{
		Protocol:       cfg.Transport.Protocol,
		Mode:           protocol.ModeAutoStop,
		KeepListening:  true,
		Factory:        factory,
		Tokens:         store,
		Capture:        capture,
		Playback:       playback,
		Encoder:        encoder,
		NewDecoder:     func() (client.PacketDecoder, error) { return audio.NewStreamDecoder() },
		DeviceRate:     deviceRate,
		Processor:      processor,
		VAD:            detector,
		SilenceTimeout: cfg.VAD.SilenceTimeout,
		Wake:           wake,
		WakeBargeIn:    cfg.WakeWord.BargeIn,
		Registry:       registry,
	})
}

// metricsServer exposes /metrics for Prometheus scraping.
func metricsServer(addr string) app.Component {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	return app.Func{
		ComponentName: "metrics-http",
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("metrics server", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	}
}
