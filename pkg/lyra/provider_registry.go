package lyra

import (
	"context"
	"fmt"
	"strings"

	"github.com/lyravoice/lyra/pkg/adapters/calendar"
	"github.com/lyravoice/lyra/pkg/adapters/stt"
	"github.com/lyravoice/lyra/pkg/adapters/tts"
	"github.com/lyravoice/lyra/pkg/configutil"
	"github.com/lyravoice/lyra/pkg/llm"
	"github.com/lyravoice/lyra/pkg/providers/deepgram"
	"github.com/lyravoice/lyra/pkg/providers/elevenlabs"
	googlecalendar "github.com/lyravoice/lyra/pkg/providers/googlecalendar"
	"github.com/lyravoice/lyra/pkg/providers/openai"
)

// Per-session factories: STT and TTS streams live and die with one call,
// while the LLM adapter and calendar service are shared across sessions.
type (
	STTFactory      func(cfg Config, sttCfg stt.Config) (stt.StreamingSTT, error)
	TTSFactory      func(cfg Config, ttsCfg tts.Config) (tts.StreamingTTS, error)
	LLMFactory      func(cfg Config) (llm.Adapter, error)
	CalendarFactory func(ctx context.Context, cfg Config) (calendar.Service, error)
)

type ProviderRegistry struct {
	stt      map[string]STTFactory
	tts      map[string]TTSFactory
	llm      map[string]LLMFactory
	calendar map[string]CalendarFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:      make(map[string]STTFactory),
		tts:      make(map[string]TTSFactory),
		llm:      make(map[string]LLMFactory),
		calendar: make(map[string]CalendarFactory),
	}
}

// DefaultProviders returns a registry with the built-in vendors wired:
// Deepgram recognition, ElevenLabs synthesis, OpenAI generation and
// Google Calendar scheduling.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", func(cfg Config, sttCfg stt.Config) (stt.StreamingSTT, error) {
		var s deepgram.Settings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		return deepgram.New(sttCfg, s), nil
	})
	r.RegisterTTS("elevenlabs", func(cfg Config, ttsCfg tts.Config) (tts.StreamingTTS, error) {
		var s elevenlabs.Settings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		return elevenlabs.New(ttsCfg, s), nil
	})
	r.RegisterLLM("openai", func(cfg Config) (llm.Adapter, error) {
		var s openai.Settings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
			return nil, fmt.Errorf("openai settings: %w", err)
		}
		return llm.NewCircuitBreakerAdapter(openai.NewAdapter(s), nil), nil
	})
	r.RegisterCalendar("google", func(ctx context.Context, cfg Config) (calendar.Service, error) {
		var s googlecalendar.Settings
		if err := configutil.DecodeSettings(cfg.Vendors.Calendar.Settings, &s); err != nil {
			return nil, fmt.Errorf("google calendar settings: %w", err)
		}
		return googlecalendar.New(ctx, s)
	})
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) RegisterCalendar(name string, factory CalendarFactory) {
	r.calendar[normalizeProvider(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config, sttCfg stt.Config) (stt.StreamingSTT, error) {
	fn := r.stt[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, sttCfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config, ttsCfg tts.Config) (tts.StreamingTTS, error) {
	fn := r.tts[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg, ttsCfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Adapter, error) {
	fn := r.llm[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildCalendar(ctx context.Context, provider string, cfg Config) (calendar.Service, error) {
	fn := r.calendar[normalizeProvider(provider)]
	if fn == nil {
		return nil, fmt.Errorf("calendar provider not registered: %s", provider)
	}
	return fn(ctx, cfg)
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
