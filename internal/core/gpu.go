package core

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/e7canasta/orion-vision/internal/control"
)

const nvidiaProcDir = "driver/nvidia"

// ProbeGPUs reports the NVIDIA devices the kernel driver exposes under
// /proc. Hosts without the driver report no GPU and recommend "cpu".
func ProbeGPUs() control.GPUInfo {
	return probeGPUs(os.DirFS("/proc"))
}

func probeGPUs(fsys fs.FS) control.GPUInfo {
	info := control.GPUInfo{Devices: []control.GPUDevice{}, RecommendedDevice: "cpu"}

	entries, err := fs.ReadDir(fsys, path.Join(nvidiaProcDir, "gpus"))
	if err != nil {
		return info
	}
	for i, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(nvidiaProcDir, "gpus", e.Name(), "information"))
		if err != nil {
			continue
		}
		fields := parseInformation(data)
		dev := control.GPUDevice{Index: i, Name: fields["Model"]}
		if minor, err := strconv.Atoi(fields["Device Minor"]); err == nil {
			dev.Index = minor
		}
		info.Devices = append(info.Devices, dev)
	}

	info.Count = len(info.Devices)
	info.Available = info.Count > 0
	if info.Available {
		info.RecommendedDevice = "cuda:" + strconv.Itoa(info.Devices[0].Index)
	}
	if data, err := fs.ReadFile(fsys, path.Join(nvidiaProcDir, "version")); err == nil {
		info.DriverVersion = parseDriverVersion(data)
	}
	return info
}

// parseInformation reads the "Key: value" lines of a gpus/*/information file.
func parseInformation(data []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// parseDriverVersion extracts "535.104.05" from
// "NVRM version: NVIDIA UNIX x86_64 Kernel Module  535.104.05  Wed Jul 26 ...".
func parseDriverVersion(data []byte) string {
	line, _, _ := strings.Cut(string(data), "\n")
	_, rest, ok := strings.Cut(line, "Kernel Module")
	if !ok {
		return ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
