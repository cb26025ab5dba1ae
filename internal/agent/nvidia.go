package agent

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/hendraet/labshare/internal/models"
)

type NvidiaGPUProvider struct {
	// LookupUser resolves the owner of a process. Defaults to procOwner.
	LookupUser func(pid int) string
}

func (p *NvidiaGPUProvider) GPUs(ctx context.Context) ([]models.GPU, error) {
	gpuOut, err := nvidiaSMI(ctx, "--query-gpu=index,gpu_uuid,name,memory.used,memory.total")
	if err != nil {
		return nil, err
	}
	gpus, err := parseGPUs(gpuOut)
	if err != nil {
		return nil, err
	}

	appOut, err := nvidiaSMI(ctx, "--query-compute-apps=gpu_uuid,pid,process_name,used_memory")
	if err != nil {
		return nil, err
	}
	lookup := p.LookupUser
	if lookup == nil {
		lookup = procOwner
	}
	if err := attachProcesses(gpus, appOut, lookup); err != nil {
		return nil, err
	}
	return gpus, nil
}

func nvidiaSMI(ctx context.Context, query string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", query, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("calling nvidia-smi %s: %w", query, err)
	}
	return out, nil
}

func readCSV(output []byte, fields int) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(string(output)))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing nvidia-smi output: %w", err)
	}

	valid := records[:0]
	for _, rec := range records {
		if len(rec) >= fields {
			valid = append(valid, rec)
		}
	}
	return valid, nil
}

// parseGPUs reads index, uuid, name, memory.used and memory.total rows.
// A GPU whose memory cannot be read is reported as failed.
func parseGPUs(output []byte) ([]models.GPU, error) {
	records, err := readCSV(output, 5)
	if err != nil {
		return nil, err
	}

	gpus := []models.GPU{}
	for _, rec := range records {
		idx, _ := strconv.Atoi(rec[0])
		g := models.GPU{
			Idx:       idx,
			UUID:      rec[1],
			ModelName: rec[2],
		}
		used, errUsed := strconv.Atoi(rec[3])
		total, errTotal := strconv.Atoi(rec[4])
		if errUsed != nil || errTotal != nil {
			g.Failed = true
		} else {
			g.UsedMemoryMB, g.TotalMemoryMB = used, total
		}
		gpus = append(gpus, g)
	}
	return gpus, nil
}

// attachProcesses assigns compute apps to their GPUs and marks those GPUs in
// use.
func attachProcesses(gpus []models.GPU, output []byte, lookupUser func(pid int) string) error {
	records, err := readCSV(output, 4)
	if err != nil {
		return err
	}

	byUUID := make(map[string]*models.GPU, len(gpus))
	for i := range gpus {
		byUUID[gpus[i].UUID] = &gpus[i]
	}

	for _, rec := range records {
		g, ok := byUUID[rec[0]]
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(rec[1])
		if err != nil {
			continue
		}
		mem, _ := strconv.Atoi(rec[3])
		g.Processes = append(g.Processes, models.GPUProcess{
			Name:          rec[2],
			PID:           pid,
			MemoryUsageMB: mem,
			Username:      lookupUser(pid),
		})
		g.InUse = true
	}
	return nil
}

// procOwner returns the login name owning pid, or "" when it is gone.
func procOwner(pid int) string {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return ""
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	uid := strconv.FormatUint(uint64(st.Uid), 10)
	u, err := user.LookupId(uid)
	if err != nil {
		return uid
	}
	return u.Username
}
