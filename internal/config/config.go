package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/pacing"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	History     HistoryConfig     `yaml:"history"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Audio       AudioConfig       `yaml:"audio"`
	Session     SessionConfig     `yaml:"session"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Generation  GenerationConfig  `yaml:"generation"`
	Playback    PlaybackConfig    `yaml:"playback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, bus
	Serve       bool    `yaml:"serve"`
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec, bus
	Serve           bool    `yaml:"serve"`
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Rate            float64 `yaml:"rate"`
	Pitch           float64 `yaml:"pitch"`
	Volume          float64 `yaml:"volume"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	TimeoutMS       int     `yaml:"timeout_ms"`
}

type AudioConfig struct {
	Mixer            string  `yaml:"mixer"` // none, bus
	BackgroundVolume float64 `yaml:"background_volume"`
	Target           string  `yaml:"target"`
}

type SessionConfig struct {
	Identity           string `yaml:"identity"`
	AutoStart          bool   `yaml:"auto_start"`
	TickIntervalMS     int    `yaml:"tick_interval_ms"`
	TransitionSeconds  int    `yaml:"transition_seconds"`
	ProgressIntervalMS int    `yaml:"progress_interval_ms"`
}

type PreferencesConfig struct {
	CueFrequency     string  `yaml:"cue_frequency"`
	PauseLength      string  `yaml:"pause_length"`
	Personalization  string  `yaml:"personalization"`
	InstructionRatio float64 `yaml:"instruction_to_silence_ratio"`
	BreathingSync    bool    `yaml:"breathing_sync"`
	FadeInOut        bool    `yaml:"fade_in_out"`
	CueStyle         string  `yaml:"cue_style"`
	GentleCues       bool    `yaml:"enable_gentle_cues"`
}

type GenerationConfig struct {
	MaxRetries              int `yaml:"max_retries"`
	RetryBackoffMS          int `yaml:"retry_backoff_ms"`
	LookaheadTriggerSeconds int `yaml:"lookahead_trigger_seconds"`
	TargetStepSeconds       int `yaml:"target_step_seconds"`
}

type PlaybackConfig struct {
	TerminalGapMS    int `yaml:"terminal_gap_ms"`
	QuestionGapMS    int `yaml:"question_gap_ms"`
	ClauseGapMS      int `yaml:"clause_gap_ms"`
	BreathGapMS      int `yaml:"breath_gap_ms"`
	EnumerationGapMS int `yaml:"enumeration_gap_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-meditation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Path:          "./data/meditation-history.db",
			RetentionMode: "persistent",
			RetentionDays: 365,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   512,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Voice:           "en-US",
			Rate:            0.9,
			Pitch:           1.0,
			Volume:          1.0,
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
			TimeoutMS:       45000,
		},
		Audio: AudioConfig{
			Mixer:            "none",
			BackgroundVolume: 0.6,
			Target:           "default",
		},
		Session: SessionConfig{
			Identity:           "breathing",
			AutoStart:          true,
			TickIntervalMS:     1000,
			TransitionSeconds:  5,
			ProgressIntervalMS: 1000,
		},
		Preferences: PreferencesConfig{
			CueFrequency:     "MEDIUM",
			PauseLength:      "MEDIUM",
			Personalization:  "ADAPTIVE",
			InstructionRatio: 0.3,
			CueStyle:         "GENTLE",
			GentleCues:       true,
		},
		Generation: GenerationConfig{
			MaxRetries:              2,
			RetryBackoffMS:          1000,
			LookaheadTriggerSeconds: 60,
			TargetStepSeconds:       180,
		},
		Playback: PlaybackConfig{
			TerminalGapMS:    2000,
			QuestionGapMS:    1800,
			ClauseGapMS:      1000,
			BreathGapMS:      1500,
			EnumerationGapMS: 1200,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Pacing converts the preference strings into engine preferences.
func (p PreferencesConfig) Pacing() (pacing.Preferences, error) {
	prefs := pacing.Preferences{
		InstructionRatio: p.InstructionRatio,
		BreathingSync:    p.BreathingSync,
		FadeInOut:        p.FadeInOut,
		GentleCues:       p.GentleCues,
	}
	var err error
	if prefs.CueFrequency, err = pacing.ParseCueFrequency(p.CueFrequency); err != nil {
		return prefs, err
	}
	if prefs.PauseLength, err = pacing.ParsePauseLength(p.PauseLength); err != nil {
		return prefs, err
	}
	if prefs.Personalization, err = pacing.ParsePersonalization(p.Personalization); err != nil {
		return prefs, err
	}
	if prefs.CueStyle, err = pacing.ParseCueStyle(p.CueStyle); err != nil {
		return prefs, err
	}
	return prefs, prefs.Validate()
}

func (s SessionConfig) ProgressInterval() time.Duration {
	return time.Duration(s.ProgressIntervalMS) * time.Millisecond
}

func (g GenerationConfig) RetryBackoff() time.Duration {
	return time.Duration(g.RetryBackoffMS) * time.Millisecond
}

func (g GenerationConfig) LookaheadTrigger() time.Duration {
	return time.Duration(g.LookaheadTriggerSeconds) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "LOQA_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "LOQA_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "LOQA_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "LOQA_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "LOQA_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideBool(&cfg.LLM.Serve, "LOQA_LLM_SERVE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideBool(&cfg.TTS.Serve, "LOQA_TTS_SERVE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideFloat(&cfg.TTS.Rate, "LOQA_TTS_RATE")
	overrideFloat(&cfg.TTS.Pitch, "LOQA_TTS_PITCH")
	overrideFloat(&cfg.TTS.Volume, "LOQA_TTS_VOLUME")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Audio.Mixer, "LOQA_AUDIO_MIXER")
	overrideFloat(&cfg.Audio.BackgroundVolume, "LOQA_AUDIO_BACKGROUND_VOLUME")
	overrideString(&cfg.Audio.Target, "LOQA_AUDIO_TARGET")
	overrideString(&cfg.Session.Identity, "LOQA_SESSION_IDENTITY")
	overrideBool(&cfg.Session.AutoStart, "LOQA_SESSION_AUTO_START")
	overrideInt(&cfg.Session.TickIntervalMS, "LOQA_SESSION_TICK_INTERVAL_MS")
	overrideInt(&cfg.Session.TransitionSeconds, "LOQA_SESSION_TRANSITION_SECONDS")
	overrideInt(&cfg.Session.ProgressIntervalMS, "LOQA_SESSION_PROGRESS_INTERVAL_MS")
	overrideString(&cfg.Preferences.CueFrequency, "LOQA_PREFERENCES_CUE_FREQUENCY")
	overrideString(&cfg.Preferences.PauseLength, "LOQA_PREFERENCES_PAUSE_LENGTH")
	overrideString(&cfg.Preferences.Personalization, "LOQA_PREFERENCES_PERSONALIZATION")
	overrideFloat(&cfg.Preferences.InstructionRatio, "LOQA_PREFERENCES_INSTRUCTION_RATIO")
	overrideBool(&cfg.Preferences.BreathingSync, "LOQA_PREFERENCES_BREATHING_SYNC")
	overrideBool(&cfg.Preferences.FadeInOut, "LOQA_PREFERENCES_FADE_IN_OUT")
	overrideString(&cfg.Preferences.CueStyle, "LOQA_PREFERENCES_CUE_STYLE")
	overrideBool(&cfg.Preferences.GentleCues, "LOQA_PREFERENCES_GENTLE_CUES")
	overrideInt(&cfg.Generation.MaxRetries, "LOQA_GENERATION_MAX_RETRIES")
	overrideInt(&cfg.Generation.RetryBackoffMS, "LOQA_GENERATION_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Generation.LookaheadTriggerSeconds, "LOQA_GENERATION_LOOKAHEAD_TRIGGER_SECONDS")
	overrideInt(&cfg.Generation.TargetStepSeconds, "LOQA_GENERATION_TARGET_STEP_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.History.Path == "" && cfg.History.RetentionMode != "ephemeral" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "bus":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|bus")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "bus":
	default:
		return errors.New("tts.mode must be one of mock|exec|bus")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	switch cfg.Audio.Mixer {
	case "none", "bus":
	default:
		return errors.New("audio.mixer must be one of none|bus")
	}
	if needsBus(cfg) && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when llm, tts or audio use the bus")
	}
	if cfg.Session.TickIntervalMS <= 0 {
		return errors.New("session.tick_interval_ms must be positive")
	}
	if cfg.Session.TransitionSeconds < 0 {
		return errors.New("session.transition_seconds must be >= 0")
	}
	if cfg.Session.ProgressIntervalMS < 0 {
		return errors.New("session.progress_interval_ms must be >= 0")
	}
	if _, err := cfg.Preferences.Pacing(); err != nil {
		return fmt.Errorf("preferences: %w", err)
	}
	if cfg.Generation.MaxRetries < 0 {
		return errors.New("generation.max_retries must be >= 0")
	}
	if cfg.Generation.RetryBackoffMS < 0 {
		return errors.New("generation.retry_backoff_ms must be >= 0")
	}
	if cfg.Generation.LookaheadTriggerSeconds <= 0 {
		return errors.New("generation.lookahead_trigger_seconds must be positive")
	}
	if cfg.Generation.TargetStepSeconds <= 0 {
		return errors.New("generation.target_step_seconds must be positive")
	}
	return nil
}

func needsBus(cfg Config) bool {
	return cfg.LLM.Mode == "bus" || cfg.TTS.Mode == "bus" || cfg.Audio.Mixer == "bus" || cfg.LLM.Serve || cfg.TTS.Serve
}
