package lyra

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/lyravoice/lyra/pkg/dialogue"
)

type Config struct {
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	Booking       BookingConfig       `mapstructure:"booking"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	BasePrompt    string              `mapstructure:"base_prompt"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT      VendorConfig `mapstructure:"stt"`
	TTS      VendorConfig `mapstructure:"tts"`
	LLM      VendorConfig `mapstructure:"llm"`
	Calendar VendorConfig `mapstructure:"calendar"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type DialogueConfig struct {
	// SilenceThresholdMS promotes a stale interim transcript to a final
	// after this much quiet, so a turn can always start.
	SilenceThresholdMS int    `mapstructure:"silence_threshold_ms"`
	TurnTimeoutMS      int    `mapstructure:"turn_timeout_ms"`
	MaxToolCalls       int    `mapstructure:"max_tool_calls"`
	Greeting           string `mapstructure:"greeting"`
	FallbackTimeout    string `mapstructure:"fallback_timeout"`
	FallbackToolLoop   string `mapstructure:"fallback_tool_loop"`
	// SynthBufferFrames bounds the outbound audio buffer per session.
	SynthBufferFrames int `mapstructure:"synth_buffer_frames"`
	// PlaybackIdleMS is how long the outbound pump waits with no audio
	// before treating the utterance as fully played out.
	PlaybackIdleMS int `mapstructure:"playback_idle_ms"`
	// BargeInConfidence is the minimum interim-transcript confidence that
	// interrupts agent speech. Finals always interrupt.
	BargeInConfidence float64 `mapstructure:"barge_in_confidence"`
}

type BookingConfig struct {
	CalendarID   string `mapstructure:"calendar_id"`
	OpenHour     int    `mapstructure:"open_hour"`
	CloseHour    int    `mapstructure:"close_hour"`
	SlotMinutes  int    `mapstructure:"slot_minutes"`
	HoldTTLMS    int    `mapstructure:"hold_ttl_ms"`
	Timezone     string `mapstructure:"timezone"`
	EventSummary string `mapstructure:"event_summary"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	// MetricsAddr serves the Prometheus scrape endpoint when non-empty.
	MetricsAddr  string `mapstructure:"metrics_addr"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("dialogue.silence_threshold_ms", 2000)
	v.SetDefault("dialogue.turn_timeout_ms", 12000)
	v.SetDefault("dialogue.max_tool_calls", 3)
	v.SetDefault("dialogue.greeting", "")
	v.SetDefault("dialogue.fallback_timeout", "")
	v.SetDefault("dialogue.fallback_tool_loop", "")
	v.SetDefault("dialogue.synth_buffer_frames", 50)
	v.SetDefault("dialogue.playback_idle_ms", 200)
	v.SetDefault("dialogue.barge_in_confidence", dialogue.DefaultBargeInConfidence)
	v.SetDefault("booking.open_hour", 9)
	v.SetDefault("booking.close_hour", 17)
	v.SetDefault("booking.slot_minutes", 30)
	v.SetDefault("booking.hold_ttl_ms", 30000)
	v.SetDefault("booking.timezone", "")
	v.SetDefault("booking.event_summary", "Phone appointment")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Calendar.Provider) == "" {
		return fmt.Errorf("vendors.calendar.provider is required")
	}
	if strings.TrimSpace(c.Booking.CalendarID) == "" {
		return fmt.Errorf("booking.calendar_id is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.Calendar.Settings = expandSettings(cfg.Vendors.Calendar.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
