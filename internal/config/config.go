package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

type ControllerConfig struct {
	Addr             string        `yaml:"addr"`
	DBPath           string        `yaml:"db_path"`
	SharedToken      string        `yaml:"shared_token"` // agent -> controller
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	Users            []User        `yaml:"users"`
	CertPath         string        `yaml:"cert_path"`
	KeyPath          string        `yaml:"key_path"`
	Logging          Logging       `yaml:"logging"`
}

// User is seeded into the database on controller start. Devices lists the
// device names the user may reserve; "*" grants all of them.
type User struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Email       string   `yaml:"email"`
	ExtraEmails []string `yaml:"extra_emails"`
	Token       string   `yaml:"token"`
	Staff       bool     `yaml:"staff"`
	Superuser   bool     `yaml:"superuser"`
	Devices     []string `yaml:"devices"`
}

type AgentConfig struct {
	ControllerURL  string        `yaml:"controller_url"`
	SharedToken    string        `yaml:"shared_token"`
	DeviceName     string        `yaml:"device_name"`
	Addr           string        `yaml:"addr"`
	ReportInterval time.Duration `yaml:"report_interval"`
	FakeGPUs       int           `yaml:"fake_gpus"`
	Insecure       bool          `yaml:"insecure_skip_verify"`
	Logging        Logging       `yaml:"logging"`
}

func LoadControllerConfig(fs afero.Fs, path string) (*ControllerConfig, error) {
	cfg := ControllerConfig{
		Addr:             ":8080",
		DBPath:           "labshare.db",
		ReminderInterval: 10 * time.Minute,
	}
	if err := decode(fs, path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *ControllerConfig) validate() error {
	if c.SharedToken == "" {
		return errors.New("shared_token is required")
	}
	if c.ReminderInterval <= 0 {
		return errors.New("reminder_interval must be positive")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return errors.New("cert_path and key_path must be set together")
	}

	ids := make(map[string]bool)
	tokens := make(map[string]bool)
	for _, u := range c.Users {
		if u.ID == "" || u.Token == "" {
			return fmt.Errorf("user %q needs an id and a token", u.Name)
		}
		if ids[u.ID] {
			return fmt.Errorf("duplicate user id %s", u.ID)
		}
		if tokens[u.Token] {
			return fmt.Errorf("user %s reuses another user's token", u.ID)
		}
		ids[u.ID], tokens[u.Token] = true, true
	}
	return nil
}

func LoadAgentConfig(fs afero.Fs, path string) (*AgentConfig, error) {
	cfg := AgentConfig{
		ControllerURL:  "http://localhost:8080",
		ReportInterval: time.Minute,
	}
	if err := decode(fs, path, &cfg); err != nil {
		return nil, err
	}
	if cfg.SharedToken == "" {
		return nil, fmt.Errorf("invalid agent config %s: shared_token is required", path)
	}
	if cfg.ReportInterval <= 0 {
		return nil, fmt.Errorf("invalid agent config %s: report_interval must be positive", path)
	}
	return &cfg, nil
}

func decode(fs afero.Fs, path string, out any) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
