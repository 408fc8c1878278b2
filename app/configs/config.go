package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Booking BookingConfig `json:"booking"`
	LLM     LLMConfig     `json:"llm"`
	SMS     SMSConfig     `json:"sms"`
	HTTP    HTTPConfig    `json:"http"`
	Paths   PathsConfig   `json:"paths"`
}

type BookingConfig struct {
	HoldMinutes        int `json:"hold_minutes"`
	SweepIntervalSec   int `json:"sweep_interval_sec"`
	DefaultDurationMin int `json:"default_duration_min"`
}

type LLMConfig struct {
	Mode          string `json:"mode"` // local_first | cloud_first | off
	OllamaBaseURL string `json:"ollama_base_url"`
	OllamaModel   string `json:"ollama_model"`
	CloudBaseURL  string `json:"cloud_base_url"`
	CloudAPIKey   string `json:"cloud_api_key"`
	CloudModel    string `json:"cloud_model"`
	TimeoutSec    int    `json:"timeout_sec"`
}

type SMSConfig struct {
	Mode            string `json:"mode"` // simulator | off
	DispatchSec     int    `json:"dispatch_sec"`
	MaxSendAttempts int    `json:"max_send_attempts"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

type PathsConfig struct {
	DataDir string `json:"data_dir"`
	LogDir  string `json:"log_dir"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	mgr := &Manager{
		path: path,
		cfg:  defaultConfig(),
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

// HoldDuration implements the booking hold policy.
func (m *Manager) HoldDuration() time.Duration {
	return time.Duration(m.Get().Booking.HoldMinutes) * time.Minute
}

// DefaultTaskDuration is the booking length in minutes applied when a hold
// request carries none.
func (m *Manager) DefaultTaskDuration() int {
	return m.Get().Booking.DefaultDurationMin
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Booking.HoldMinutes <= 0 {
		cfg.Booking.HoldMinutes = 10
	}
	if cfg.Booking.SweepIntervalSec <= 0 {
		cfg.Booking.SweepIntervalSec = 5
	}
	if cfg.Booking.DefaultDurationMin <= 0 {
		cfg.Booking.DefaultDurationMin = 60
	}

	mode := strings.ToLower(strings.TrimSpace(cfg.LLM.Mode))
	switch mode {
	case "local_first", "cloud_first", "off":
	default:
		mode = "local_first"
	}
	cfg.LLM.Mode = mode
	if strings.TrimSpace(cfg.LLM.OllamaBaseURL) == "" {
		cfg.LLM.OllamaBaseURL = "http://localhost:11434"
	}
	if strings.TrimSpace(cfg.LLM.OllamaModel) == "" {
		cfg.LLM.OllamaModel = "llama3.1:8b"
	}
	if strings.TrimSpace(cfg.LLM.CloudBaseURL) == "" {
		cfg.LLM.CloudBaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.LLM.CloudModel) == "" {
		cfg.LLM.CloudModel = "gpt-4o-mini"
	}
	if cfg.LLM.TimeoutSec <= 0 {
		cfg.LLM.TimeoutSec = 12
	}

	smsMode := strings.ToLower(strings.TrimSpace(cfg.SMS.Mode))
	if smsMode != "off" {
		smsMode = "simulator"
	}
	cfg.SMS.Mode = smsMode
	if cfg.SMS.DispatchSec <= 0 {
		cfg.SMS.DispatchSec = 3
	}
	if cfg.SMS.MaxSendAttempts <= 0 {
		cfg.SMS.MaxSendAttempts = 3
	}

	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if strings.TrimSpace(cfg.Paths.DataDir) == "" {
		cfg.Paths.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(cfg.Paths.LogDir) == "" {
		cfg.Paths.LogDir = filepath.Join("output", "logs")
	}
}
