package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const cliConfigName = ".labshare.yaml"

type CLIConfig struct {
	ControllerURL string `yaml:"controller_url"`
	Token         string `yaml:"token"`
	Insecure      bool   `yaml:"insecure_skip_verify"`
}

// LoadCLIConfig reads ~/.labshare.yaml. A missing file yields an empty config.
func LoadCLIConfig(afs afero.Fs, home string) (*CLIConfig, error) {
	var cfg CLIConfig
	err := decode(afs, filepath.Join(home, cliConfigName), &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SaveCLIConfig(afs afero.Fs, home string, cfg *CLIConfig) error {
	f, err := afs.OpenFile(filepath.Join(home, cliConfigName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
