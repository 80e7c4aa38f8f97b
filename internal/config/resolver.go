// Package config resolves runtime configuration from, in ascending
// precedence, the YAML config file, environment variables, and CLI flags.
// Every resolved value remembers where it came from so `dossier config`
// can explain the effective settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIDBPath   string
	CLICalendar string
	CLIToken    string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath      ResolvedValue `json:"db_path"`
	AccessToken ResolvedValue `json:"access_token"`

	CalendarID       ResolvedValue `json:"calendar_id"`
	CalendarEnabled  ResolvedValue `json:"calendar_enabled"`
	CalendarSchedule ResolvedValue `json:"calendar_schedule"`
	DaysBack         ResolvedValue `json:"days_back"`
	DaysForward      ResolvedValue `json:"days_forward"`

	ContactsEnabled  ResolvedValue `json:"contacts_enabled"`
	ContactsSchedule ResolvedValue `json:"contacts_schedule"`

	MatchThreshold ResolvedValue `json:"match_threshold"`

	SemanticEndpoint ResolvedValue `json:"semantic_endpoint"`
	SemanticAPIKey   ResolvedValue `json:"semantic_api_key"`
	SemanticModel    ResolvedValue `json:"semantic_model"`
}

type fileConfig struct {
	DBPath      string `yaml:"db_path"`
	AccessToken string `yaml:"access_token"`
	Calendar    struct {
		ID       string `yaml:"id"`
		Enabled  *bool  `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
		DaysBack int    `yaml:"days_back"`
		DaysFwd  int    `yaml:"days_forward"`
	} `yaml:"calendar"`
	Contacts struct {
		Enabled  *bool  `yaml:"enabled"`
		Schedule string `yaml:"schedule"`
	} `yaml:"contacts"`
	Matcher struct {
		Threshold float64 `yaml:"threshold"`
	} `yaml:"matcher"`
	Semantic struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
	} `yaml:"semantic"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dossier", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	// Defaults, overridden below.
	out.CalendarID = ResolvedValue{Value: "primary", Source: SourceDefault, From: "built-in default"}
	out.CalendarEnabled = ResolvedValue{Value: "true", Source: SourceDefault, From: "built-in default"}
	out.ContactsEnabled = ResolvedValue{Value: "true", Source: SourceDefault, From: "built-in default"}
	out.CalendarSchedule = ResolvedValue{Value: "@every 15m", Source: SourceDefault, From: "built-in default"}
	out.ContactsSchedule = ResolvedValue{Value: "@every 1h", Source: SourceDefault, From: "built-in default"}
	out.DaysBack = ResolvedValue{Value: "30", Source: SourceDefault, From: "built-in default"}
	out.DaysForward = ResolvedValue{Value: "30", Source: SourceDefault, From: "built-in default"}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.AccessToken, cfg.AccessToken, SourceConfig, path)
		apply(&out.CalendarID, cfg.Calendar.ID, SourceConfig, path)
		applyBool(&out.CalendarEnabled, cfg.Calendar.Enabled, SourceConfig, path)
		apply(&out.CalendarSchedule, cfg.Calendar.Schedule, SourceConfig, path)
		applyInt(&out.DaysBack, cfg.Calendar.DaysBack, SourceConfig, path)
		applyInt(&out.DaysForward, cfg.Calendar.DaysFwd, SourceConfig, path)
		applyBool(&out.ContactsEnabled, cfg.Contacts.Enabled, SourceConfig, path)
		apply(&out.ContactsSchedule, cfg.Contacts.Schedule, SourceConfig, path)
		if cfg.Matcher.Threshold > 0 {
			apply(&out.MatchThreshold, strconv.FormatFloat(cfg.Matcher.Threshold, 'f', -1, 64), SourceConfig, path)
		}
		apply(&out.SemanticEndpoint, cfg.Semantic.Endpoint, SourceConfig, path)
		apply(&out.SemanticAPIKey, cfg.Semantic.APIKey, SourceConfig, path)
		apply(&out.SemanticModel, cfg.Semantic.Model, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "DOSSIER_DB")
	applyEnv(&out.AccessToken, "GOOGLE_ACCESS_TOKEN")
	applyEnv(&out.CalendarID, "DOSSIER_CALENDAR")
	applyEnv(&out.CalendarEnabled, "DOSSIER_CALENDAR_ENABLED")
	applyEnv(&out.CalendarSchedule, "DOSSIER_CALENDAR_SCHEDULE")
	applyEnv(&out.DaysBack, "DOSSIER_DAYS_BACK")
	applyEnv(&out.DaysForward, "DOSSIER_DAYS_FORWARD")
	applyEnv(&out.ContactsEnabled, "DOSSIER_CONTACTS_ENABLED")
	applyEnv(&out.ContactsSchedule, "DOSSIER_CONTACTS_SCHEDULE")
	applyEnv(&out.MatchThreshold, "DOSSIER_MATCH_THRESHOLD")
	applyEnv(&out.SemanticEndpoint, "DOSSIER_SEMANTIC_ENDPOINT")
	applyEnv(&out.SemanticAPIKey, "DOSSIER_SEMANTIC_API_KEY")
	applyEnv(&out.SemanticModel, "DOSSIER_SEMANTIC_MODEL")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.CalendarID, opts.CLICalendar, SourceCLI, "--calendar")
	apply(&out.AccessToken, opts.CLIToken, SourceCLI, "--token")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// ThresholdValue parses the matcher threshold, returning 0 when unset or
// malformed so the matcher's built-in default applies.
func (r ResolvedConfig) ThresholdValue() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.MatchThreshold.Value), 64)
	if err != nil || v <= 0 || v > 1 {
		return 0
	}
	return v
}

// IntValue parses a numeric resolved value, returning fallback when unset
// or malformed.
func IntValue(rv ResolvedValue, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(rv.Value))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// BoolValue interprets a resolved value as a boolean, returning fallback
// when unset or malformed.
func BoolValue(rv ResolvedValue, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(rv.Value))
	if err != nil {
		return fallback
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyBool(dst *ResolvedValue, raw *bool, source ValueSource, from string) {
	if raw == nil {
		return
	}
	*dst = ResolvedValue{Value: strconv.FormatBool(*raw), Source: source, From: from}
}

func applyInt(dst *ResolvedValue, raw int, source ValueSource, from string) {
	if raw <= 0 {
		return
	}
	*dst = ResolvedValue{Value: strconv.Itoa(raw), Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
