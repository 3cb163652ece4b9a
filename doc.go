// Package simplydash is the client side of a full-duplex voice conversation
// with a realtime voice assistant, spoken through the voicerelay server.
//
// A Conversation owns two audio pipelines from the audio package, a
// Recorder capturing the microphone and a Player scheduling synthesized
// speech, and one websocket connection to the relay. It walks the
// lifecycle
//
//	idle -> connecting -> connected <-> streaming -> disconnecting -> idle
//
// with a failed state after a terminal error.
//
// # Quick Start
//
//	cfg := simplydash.DefaultConfig()
//	cfg.RelayURL = "wss://relay.example.com/"
//	cfg.AssistantID = "asst_123"
//	cfg.Microphone = audio.FFmpegMicrophone{}
//	cfg.Speaker = audio.FFplaySpeaker{}
//
//	conv, err := simplydash.NewConversation(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	conv.OnTerminalError(func(err *simplydash.TerminalError) {
//		fmt.Println(err.Message)
//	})
//	if err := conv.ConnectConversation(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer conv.Disconnect(context.Background())
//
// # Interruption
//
// When the server reports that the user started speaking while the
// assistant is still talking, the conversation runs the interruption
// pipeline: cancel the response, truncate the playing item at the point the
// user actually heard, flush playback and mark the track interrupted so late
// audio for it is dropped. Every step runs even when an earlier one fails.
// Interrupt can also be called directly and is debounced.
//
// # Reconnection
//
// An unclean close of the relay connection is retried MaxReconnects times,
// ReconnectDelay apart. A clean close ends the conversation. When every
// attempt fails the conversation moves to StateFailed and OnTerminalError
// fires with a user-facing message and a diagnostic code.
//
// # State
//
// The conversation keeps the last MaxItems items and the last MaxEvents
// events, coalescing repeated events, and a token accumulator fed by
// response.done and rate_limits.updated. All of it is reset on disconnect.
//
// # Lower level access
//
// Dial returns a Client that speaks the realtime event protocol directly
// without any audio pipelines.
package simplydash
