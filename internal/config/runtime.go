package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	ProductionBackendHost = "cloudcode-pa.googleapis.com"
	DailyBackendHost      = "daily-cloudcode-pa.sandbox.googleapis.com"

	EndpointModeProduction = "production"
	EndpointModeDaily      = "daily"
)

// Settings is an immutable snapshot of the runtime-mutable configuration.
// Readers load the current snapshot without locking; writers install a new
// one atomically.
type Settings struct {
	WebUIPassword          string
	APIUserAgent           string
	Gemini3MediaResolution string
	Debug                  string
	APIKey                 string
	EndpointMode           string
	Port                   int

	// ModelAliases maps client-facing model ids to the real backend ids
	// before translation runs.
	ModelAliases map[string]string
}

var currentSettings atomic.Pointer[Settings]

// InitRuntime installs the initial settings snapshot derived from cfg.
func InitRuntime(cfg *Config) {
	resolution, _ := normalizeMediaResolution(cfg.Gemini3MediaResolution)
	currentSettings.Store(&Settings{
		WebUIPassword:          cfg.WebUIPassword,
		APIUserAgent:           cfg.APIUserAgent,
		Gemini3MediaResolution: resolution,
		Debug:                  cfg.Debug,
		APIKey:                 cfg.APIKey,
		EndpointMode:           NormalizeEndpointMode(cfg.EndpointMode),
		Port:                   cfg.Port,
	})
}

// Runtime returns the current settings snapshot.
func Runtime() *Settings {
	if s := currentSettings.Load(); s != nil {
		return s
	}
	return &Settings{
		APIUserAgent: DefaultUserAgent,
		Debug:        "off",
		EndpointMode: EndpointModeProduction,
		Port:         DefaultPort,
	}
}

// UpdateRuntime installs a new settings snapshot.
func UpdateRuntime(s *Settings) {
	currentSettings.Store(s)
}

// MapClientModelID resolves a client-supplied model id through the runtime
// alias table, returning the input unchanged on a miss.
func MapClientModelID(model string) string {
	aliases := Runtime().ModelAliases
	if len(aliases) == 0 {
		return model
	}
	if mapped, ok := aliases[strings.TrimSpace(model)]; ok && mapped != "" {
		return mapped
	}
	return model
}

// NormalizeEndpointMode collapses the mode to daily or production.
func NormalizeEndpointMode(value string) string {
	if strings.EqualFold(strings.TrimSpace(value), EndpointModeDaily) {
		return EndpointModeDaily
	}
	return EndpointModeProduction
}

// EndpointHostForMode returns the upstream host serving the given mode.
func EndpointHostForMode(mode string) string {
	if NormalizeEndpointMode(mode) == EndpointModeDaily {
		return DailyBackendHost
	}
	return ProductionBackendHost
}

// CurrentEndpointHost returns the host for the active runtime mode.
func CurrentEndpointHost() string {
	return EndpointHostForMode(Runtime().EndpointMode)
}

func normalizeMediaResolution(value string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", "low", "medium", "high":
		return v, true
	}
	return "", false
}

// ValidateSettings rejects snapshots that would leave the process in an
// unusable state.
func ValidateSettings(s *Settings) error {
	debug := strings.ToLower(strings.TrimSpace(s.Debug))
	switch debug {
	case "", "off", "low", "medium", "high":
	default:
		return fmt.Errorf("config: debug level must be off, low, medium or high, got %q", s.Debug)
	}
	if _, ok := normalizeMediaResolution(s.Gemini3MediaResolution); !ok {
		return fmt.Errorf("config: invalid media resolution %q", s.Gemini3MediaResolution)
	}
	mode := NormalizeEndpointMode(s.EndpointMode)
	if mode != EndpointModeProduction && mode != EndpointModeDaily {
		return fmt.Errorf("config: invalid endpoint mode %q", s.EndpointMode)
	}
	return nil
}

// PersistRuntimeToDotenv writes the mutable settings back into the .env file
// so they survive restarts. Missing keys are appended, existing ones rewritten.
func PersistRuntimeToDotenv(s *Settings) error {
	updates := map[string]string{
		"API_KEY":                  strings.TrimSpace(s.APIKey),
		"WEBUI_PASSWORD":           strings.TrimSpace(s.WebUIPassword),
		"DEBUG":                    strings.TrimSpace(s.Debug),
		"API_USER_AGENT":           strings.TrimSpace(s.APIUserAgent),
		"GEMINI3_MEDIA_RESOLUTION": strings.TrimSpace(s.Gemini3MediaResolution),
		"ENDPOINT_MODE":            NormalizeEndpointMode(s.EndpointMode),
	}

	path := FindDotenvPath()
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("config: resolve working directory: %w", err)
		}
		path = filepath.Join(cwd, ".env")
	}

	var lines []string
	seen := make(map[string]bool, len(updates))
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			key := dotenvKey(line)
			if v, ok := updates[key]; ok {
				lines = append(lines, fmt.Sprintf("%s=%s", key, v))
				seen[key] = true
				continue
			}
			lines = append(lines, line)
		}
		_ = f.Close()
		if errScan := scanner.Err(); errScan != nil {
			return fmt.Errorf("config: read %s: %w", path, errScan)
		}
	}
	for key, v := range updates {
		if !seen[key] {
			lines = append(lines, fmt.Sprintf("%s=%s", key, v))
		}
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func dotenvKey(line string) string {
	l := strings.TrimSpace(line)
	l = strings.TrimPrefix(l, "export ")
	idx := strings.IndexByte(l, '=')
	if idx <= 0 {
		return ""
	}
	return strings.TrimSpace(l[:idx])
}

// WatchDotenv re-reads the runtime-mutable keys whenever the .env file
// changes on disk. Returns a stop function.
func WatchDotenv() (func(), error) {
	path := FindDotenvPath()
	if path == "" {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if errAdd := watcher.Add(filepath.Dir(path)); errAdd != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, errAdd)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				applyDotenvToRuntime(path)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config: watch error: %v", errWatch)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}

func applyDotenvToRuntime(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		log.Warnf("config: reload %s: %v", path, err)
		return
	}
	cur := Runtime()
	next := *cur
	if v, ok := values["API_KEY"]; ok {
		next.APIKey = v
	}
	if v, ok := values["WEBUI_PASSWORD"]; ok {
		next.WebUIPassword = v
	}
	if v, ok := values["DEBUG"]; ok {
		next.Debug = v
	}
	if v, ok := values["API_USER_AGENT"]; ok {
		next.APIUserAgent = v
	}
	if v, ok := values["GEMINI3_MEDIA_RESOLUTION"]; ok {
		if r, okRes := normalizeMediaResolution(v); okRes {
			next.Gemini3MediaResolution = r
		}
	}
	if v, ok := values["ENDPOINT_MODE"]; ok {
		next.EndpointMode = NormalizeEndpointMode(v)
	}
	if err = ValidateSettings(&next); err != nil {
		log.Warnf("config: rejected .env reload: %v", err)
		return
	}
	UpdateRuntime(&next)
	log.Info("config: runtime settings reloaded from .env")
}
