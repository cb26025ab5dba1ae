package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/models"
	"github.com/hendraet/labshare/internal/netutils"
)

// Reporter pushes the GPU state of one device to the controller.
type Reporter struct {
	device        string
	addr          string
	controllerURL string
	sharedToken   string
	version       string
	gpuProvider   GPUProvider
	client        *http.Client
}

func NewReporter(device, addr, controllerURL, sharedToken, version string, gpuProvider GPUProvider, client *http.Client) *Reporter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Reporter{
		device:        device,
		addr:          addr,
		controllerURL: netutils.BaseURL(controllerURL),
		sharedToken:   sharedToken,
		version:       version,
		gpuProvider:   gpuProvider,
		client:        client,
	}
}

// Run reports once right away and then every interval until ctx is done.
// Failed reports are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.Report(ctx); err != nil {
			log.WithError(err).WithField("device", r.device).Warn("telemetry report failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) Report(ctx context.Context) error {
	gpus, err := r.gpuProvider.GPUs(ctx)
	if err != nil {
		return fmt.Errorf("reading gpus: %w", err)
	}

	body, err := json.Marshal(models.TelemetryReport{
		Device:       r.device,
		Addr:         r.addr,
		AgentVersion: r.version,
		GPUs:         gpus,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.controllerURL+"/v1/agent/telemetry", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Token", r.sharedToken)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telemetry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telemetry rejected with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	log.WithFields(log.Fields{"device": r.device, "gpus": len(gpus)}).Debug("telemetry reported")
	return nil
}
