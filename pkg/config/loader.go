package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultEnvPrefix = "VOICEHUB"

type Loader struct {
	configPath string
	envPrefix  string
	envFiles   []string
	lookup     func(string) (string, bool)
}

func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookup: os.LookupEnv}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvFiles loads the given dotenv files into the process environment
// before variables are read. Missing files are skipped.
func (l *Loader) WithEnvFiles(files ...string) *Loader {
	l.envFiles = append(l.envFiles, files...)
	return l
}

// WithLookup replaces os.LookupEnv, mainly for tests.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	l.lookup = lookup
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.providerKeyFallbacks(&cfg.Engines)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}
		value, ok := l.lookup(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// providerKeyFallbacks accepts the vendors' conventional variable names,
// e.g. GROQ_API_KEY, when the prefixed one is not set.
func (l *Loader) providerKeyFallbacks(e *EnginesConfig) {
	keys := map[string]*string{
		"GROQ_API_KEY":       &e.GroqKey,
		"OPENAI_API_KEY":     &e.OpenAIKey,
		"ANTHROPIC_API_KEY":  &e.AnthropicKey,
		"GOOGLE_API_KEY":     &e.GoogleKey,
		"DEEPGRAM_API_KEY":   &e.DeepgramKey,
		"ASSEMBLYAI_API_KEY": &e.AssemblyKey,
		"LOKUTOR_API_KEY":    &e.LokutorKey,
	}
	for name, dst := range keys {
		if *dst != "" {
			continue
		}
		if v, ok := l.lookup(name); ok {
			*dst = v
		}
	}
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.MaxSessions <= 0 {
		errs = append(errs, "server.max_sessions must be positive")
	}
	if c.Server.AcceptRate <= 0 || c.Server.AcceptBurst <= 0 {
		errs = append(errs, "server.accept_rate and server.accept_burst must be positive")
	}
	switch c.Engines.Mode {
	case "stub":
	case "ipc":
		if c.Engines.RecognizerCmd == "" || c.Engines.GeneratorCmd == "" || c.Engines.SynthesizerCmd == "" {
			errs = append(errs, "engines: ipc mode needs recognizer_cmd, generator_cmd and synthesizer_cmd")
		}
	case "providers":
		if c.Engines.LokutorKey == "" {
			errs = append(errs, "engines: providers mode needs LOKUTOR_API_KEY")
		}
	default:
		errs = append(errs, fmt.Sprintf("engines.mode %q is not one of stub, ipc, providers", c.Engines.Mode))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
