package agent

import (
	"context"
	"fmt"

	"github.com/hendraet/labshare/internal/models"
)

type GPUProvider interface {
	GPUs(ctx context.Context) ([]models.GPU, error)
}

type FakeGPUProvider struct {
	Devices []models.GPU
}

func (f *FakeGPUProvider) GPUs(context.Context) ([]models.GPU, error) {
	return f.Devices, nil
}

// NewFakeGPUProvider simulates count idle GPUs with ids derived from device.
func NewFakeGPUProvider(device string, count int) *FakeGPUProvider {
	f := &FakeGPUProvider{}
	for i := 0; i < count; i++ {
		f.Devices = append(f.Devices, models.GPU{
			UUID:          fmt.Sprintf("GPU-fake-%s-%02d", device, i),
			Idx:           i,
			ModelName:     "NVIDIA A100-SXM4-40GB (Fake)",
			TotalMemoryMB: 40960,
		})
	}
	return f
}
