// Package tts is the speech-synthesis engine boundary.
//
// Providers turn text into a stream of audio chunks. The ElevenLabsWS
// provider opens one stream-input WebSocket per utterance so that cancelling
// the context stops synthesis mid-flight.
//
// Example usage:
//
//	provider, _ := tts.NewElevenLabsWS(
//	    tts.WithAPIKey(os.Getenv("ELEVENLABS_API_KEY")),
//	    tts.WithVoice("your-voice-id"),
//	)
//	defer provider.Close()
//
//	stream, _ := provider.Stream(ctx, "Hello world")
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Read()
//	    if err != nil || chunk == nil {
//	        break
//	    }
//	    speaker.Write(chunk)
//	}
package tts

import "context"

// Provider defines the TTS provider interface.
type Provider interface {
	// Stream converts text to audio with streaming output for lowest latency.
	// Audio chunks are returned as they become available. Cancelling ctx
	// aborts synthesis.
	Stream(ctx context.Context, text string) (AudioStream, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioStream represents a streaming audio response.
// Callers should read until Read returns nil, then call Close.
type AudioStream interface {
	// Read returns the next audio chunk.
	// Returns nil when the stream is complete (not an error).
	Read() ([]byte, error)

	// Close stops the stream and releases resources.
	Close() error

	// Format returns the audio format metadata.
	Format() AudioFormat
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio encoding types.
// These match ElevenLabs output format options.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000" // 16kHz mono PCM16
	EncodingPCM22 Encoding = "pcm_22050" // 22.05kHz mono PCM16
	EncodingPCM24 Encoding = "pcm_24000" // 24kHz mono PCM16
	EncodingPCM44 Encoding = "pcm_44100" // 44.1kHz mono PCM16
	EncodingULaw  Encoding = "ulaw_8000" // μ-law 8kHz (telephony)
)

// VoiceSettings controls voice characteristics for providers that support it.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	Stability float64

	// SimilarityBoost controls how closely the voice matches the original (0.0-1.0).
	SimilarityBoost float64
}

// DefaultVoiceSettings returns sensible defaults for voice synthesis.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}

// FormatFromEncoding returns mono PCM16 format metadata for enc.
func FormatFromEncoding(enc Encoding) AudioFormat {
	f := AudioFormat{Encoding: enc, Channels: 1, BitDepth: 16}
	switch enc {
	case EncodingPCM16:
		f.SampleRate = 16000
	case EncodingPCM22:
		f.SampleRate = 22050
	case EncodingPCM44:
		f.SampleRate = 44100
	case EncodingULaw:
		f.SampleRate = 8000
		f.BitDepth = 8
	default:
		f.Encoding = EncodingPCM24
		f.SampleRate = 24000
	}
	return f
}
