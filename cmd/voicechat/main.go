// Command voicechat holds a voice conversation with an assistant through a
// relay, using ffmpeg/ffplay for the microphone and speaker or WAV files for
// offline runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/proBhavesh/simplydash"
	"github.com/proBhavesh/simplydash/analyzer"
	"github.com/proBhavesh/simplydash/audio"
	"github.com/proBhavesh/simplydash/logging"
)

type options struct {
	relayURL     string
	assistantID  string
	token        string
	user         string
	voice        string
	instructions string
	wavIn        string
	wavOut       string
	device       string
	logLevel     string
	pretty       bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:          "voicechat",
		Short:        "Talk to an assistant through a realtime voice relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&opts.relayURL, "relay", envOr("VOICECHAT_RELAY_URL", "ws://localhost:8080/ws"), "relay websocket URL")
	f.StringVar(&opts.assistantID, "assistant", os.Getenv("VOICECHAT_ASSISTANT_ID"), "assistant id")
	f.StringVar(&opts.token, "token", os.Getenv("VOICECHAT_TOKEN"), "bearer token for the relay")
	f.StringVar(&opts.user, "user", os.Getenv("USER"), "user identifier attached to usage records")
	f.StringVar(&opts.voice, "voice", "alloy", "assistant voice")
	f.StringVar(&opts.instructions, "instructions", "", "system instructions")
	f.StringVar(&opts.wavIn, "wav-in", "", "replay this WAV file instead of the microphone")
	f.StringVar(&opts.wavOut, "wav-out", "", "write assistant audio to this WAV file instead of ffplay")
	f.StringVar(&opts.device, "device", "", "ffmpeg input device")
	f.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	f.BoolVar(&opts.pretty, "pretty", true, "human readable logs")
	_ = rootCmd.MarkFlagRequired("assistant")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level := logging.ParseLevel(opts.logLevel)
	log := logging.New(os.Stderr, level)
	if opts.pretty {
		log = logging.NewConsole(os.Stderr, level)
	}

	cfg := simplydash.Config{
		RelayURL:       opts.relayURL,
		AssistantID:    opts.assistantID,
		Token:          opts.token,
		UserIdentifier: opts.user,
		Session:        simplydash.DefaultSessionConfig(),
		Telemetry:      simplydash.LogTelemetry{Logger: log},
		Logger:         log,
	}
	cfg.Session.Voice = opts.voice
	cfg.Session.Instructions = opts.instructions

	if opts.wavIn != "" {
		cfg.Microphone = audio.WAVMicrophone{Path: opts.wavIn, Realtime: true}
	} else {
		cfg.Microphone = audio.FFmpegMicrophone{Device: opts.device}
	}
	if opts.wavOut != "" {
		cfg.Speaker = audio.WAVSpeaker{Path: opts.wavOut}
	} else {
		cfg.Speaker = audio.FFplaySpeaker{}
	}

	conv, err := simplydash.NewConversation(cfg)
	if err != nil {
		return err
	}

	failed := make(chan *simplydash.TerminalError, 1)
	conv.OnStateChange(func(s simplydash.State) {
		log.Info("state", map[string]any{"state": string(s)})
	})
	conv.OnTerminalError(func(e *simplydash.TerminalError) {
		select {
		case failed <- e:
		default:
		}
	})
	conv.OnItemsChanged(func(items []simplydash.ConversationItem) {
		if len(items) == 0 {
			return
		}
		last := items[len(items)-1]
		if last.Formatted.Transcript != "" {
			log.Debug("transcript", map[string]any{"role": last.Role, "text": last.Formatted.Transcript})
		}
	})

	if err := conv.ConnectConversation(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "connected, speak now (Ctrl+C to quit)")
	if log.Enabled(logging.LevelDebug) {
		meterCtx, stopMeter := context.WithCancel(ctx)
		defer stopMeter()
		go levelMeter(meterCtx, conv, log, time.Second)
	}

	var result error
	select {
	case <-ctx.Done():
	case e := <-failed:
		result = errors.New(e.Message)
		log.Error("conversation_failed", map[string]any{"code": e.Code, "error": e.Error()})
	}

	// Disconnect resets the usage counters.
	u := conv.Usage()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conv.Disconnect(shutdown); err != nil && result == nil {
		result = err
	}

	log.Info("session_usage", map[string]any{
		"total_tokens":  u.TotalTokens,
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	})
	return result
}

// levelMeter logs the loudest voice band on each side of the call.
func levelMeter(ctx context.Context, conv *simplydash.Conversation, log *logging.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		in, inHz := peak(conv.InputFrequencies(analyzer.ModeVoice))
		out, outHz := peak(conv.OutputFrequencies(analyzer.ModeVoice))
		log.Debug("levels", map[string]any{
			"input": in, "input_hz": inHz,
			"output": out, "output_hz": outHz,
		})
	}
}

func peak(res analyzer.Result) (level, hz float64) {
	for i, v := range res.Values {
		if v > level && i < len(res.Frequencies) {
			level, hz = v, res.Frequencies[i]
		}
	}
	return level, hz
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
