package config

import (
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Configure applies the logging settings to the standard logrus logger.
func (l Logging) Configure(out io.Writer) error {
	level := log.InfoLevel
	if l.Level != "" {
		var err error
		if level, err = log.ParseLevel(l.Level); err != nil {
			return fmt.Errorf("logging level: %w", err)
		}
	}

	switch l.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("logger format %s is invalid", l.Format)
	}

	log.SetLevel(level)
	if out != nil {
		log.SetOutput(out)
	}
	return nil
}
