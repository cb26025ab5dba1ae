package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/hendraet/labshare/internal/agent"
	"github.com/hendraet/labshare/internal/config"
	"github.com/hendraet/labshare/internal/netutils"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, device, controllerURL string
	var fakeGPUs int
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:          "labshare-agent",
		Short:        "Reports the GPUs of this machine to the labshare controller",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.BindCommandToViper(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgentConfig(afero.NewOsFs(), configPath)
			if err != nil {
				return err
			}
			if device != "" {
				cfg.DeviceName = device
			}
			if controllerURL != "" {
				cfg.ControllerURL = controllerURL
			}
			if cmd.Flags().Changed("fake-gpus") {
				cfg.FakeGPUs = fakeGPUs
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config/agent.yaml", "path to agent config")
	cmd.Flags().StringVar(&device, "device", "", "device name, defaults to the hostname")
	cmd.Flags().StringVar(&controllerURL, "controller-url", "", "controller URL, overrides the config")
	cmd.Flags().IntVar(&fakeGPUs, "fake-gpus", 0, "report this many simulated GPUs instead of calling nvidia-smi")
	return cmd
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	if err := cfg.Logging.Configure(os.Stderr); err != nil {
		return err
	}

	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("no device name configured: %w", err)
		}
		cfg.DeviceName = host
	}

	var provider agent.GPUProvider = &agent.NvidiaGPUProvider{}
	if cfg.FakeGPUs > 0 {
		provider = agent.NewFakeGPUProvider(cfg.DeviceName, cfg.FakeGPUs)
	}

	client := netutils.NewClient(cfg.Insecure, 10*time.Second)
	reporter := agent.NewReporter(cfg.DeviceName, cfg.Addr, cfg.ControllerURL, cfg.SharedToken, version, provider, client)

	log.WithFields(log.Fields{"device": cfg.DeviceName, "controller": cfg.ControllerURL, "interval": cfg.ReportInterval}).Info("labshare agent starting")
	reporter.Run(ctx, cfg.ReportInterval)
	return nil
}
