// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package envinfo extracts best-effort environment facts describing the
// machine and container a training job ran on. Every field degrades to
// the literal string "Unknown" on failure — extraction must never
// surface an error out of the worker, since environment capture is a
// nice-to-have enrichment of the BOM, not something a job should fail
// over.
package envinfo

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/aibomgen/platform/internal/blobstore"
)

// Unknown is substituted for any fact this process could not determine.
const Unknown = "Unknown"

// GPU describes one detected accelerator.
type GPU struct {
	Name        string
	MemoryTotal string // MiB, or Unknown
	MemoryUsed  string // MiB, or Unknown
}

// TaskDescriptor identifies the broker task the worker is executing.
type TaskDescriptor struct {
	ID    string
	Name  string
	Queue string
}

// DockerInfo identifies the container the worker is running in.
type DockerInfo struct {
	ContainerID string
	ImageName   string
	ImageID     string
}

// Info is the full set of environment facts recorded alongside a
// training run.
type Info struct {
	OS                string
	RuntimeVersion    string
	FrameworkVersion  string
	CPUCount          string
	MemoryTotalMiB    string
	DiskTotalMiB      string
	GPUs              []GPU
	Task              TaskDescriptor
	Docker            DockerInfo
	VulnerabilityScan map[string]string // severity -> count, {"status": "clean"} when none are listed, or {"status": "Unknown"}
}

// Collect gathers every fact this process can determine. task describes
// the broker task currently executing, as threaded through by the
// worker; store and scanBucket are used to fetch the newest
// vulnerability scan report, if any.
func Collect(ctx context.Context, task TaskDescriptor, store blobstore.Store, scanBucket string) Info {
	return Info{
		OS:                osIdentifier(),
		RuntimeVersion:    runtime.Version(),
		FrameworkVersion:  frameworkVersion(),
		CPUCount:          strconv.Itoa(runtime.NumCPU()),
		MemoryTotalMiB:    memoryTotalMiB(),
		DiskTotalMiB:      diskTotalMiB("/"),
		GPUs:              gpuInfo(),
		Task:              task,
		Docker:            dockerInfo(),
		VulnerabilityScan: latestVulnerabilityScan(ctx, store, scanBucket),
	}
}

func osIdentifier() (id string) {
	defer func() {
		if recover() != nil {
			id = Unknown
		}
	}()
	base := runtime.GOOS + " " + runtime.GOARCH
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return base
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return base + " (" + strings.Trim(name, `"`) + ")"
		}
	}
	return base
}

// frameworkVersion reads the ML framework version the training
// executor exports into the environment; no framework binding exists
// in this process to probe directly.
func frameworkVersion() string {
	if v := os.Getenv("FRAMEWORK_VERSION"); v != "" {
		return v
	}
	return Unknown
}

func memoryTotalMiB() (out string) {
	defer func() {
		if recover() != nil {
			out = Unknown
		}
	}()
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Unknown
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return Unknown
			}
			return strconv.FormatInt(kb/1024, 10)
		}
	}
	return Unknown
}

func diskTotalMiB(path string) (out string) {
	defer func() {
		if recover() != nil {
			out = Unknown
		}
	}()
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Unknown
	}
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	return strconv.FormatUint(totalBytes/(1024*1024), 10)
}

// gpuInfo shells out to nvidia-smi rather than binding NVML directly,
// since no example in the corpus imports an NVML Go binding.
func gpuInfo() []GPU {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name,memory.total,memory.used", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		gpus = append(gpus, GPU{
			Name:        strings.TrimSpace(fields[0]),
			MemoryTotal: strings.TrimSpace(fields[1]),
			MemoryUsed:  strings.TrimSpace(fields[2]),
		})
	}
	return gpus
}

func dockerInfo() DockerInfo {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		return DockerInfo{ContainerID: Unknown, ImageName: Unknown, ImageID: Unknown}
	}
	containerID := os.Getenv("HOSTNAME")
	if containerID == "" {
		containerID = Unknown
	}
	imageName, imageID := Unknown, Unknown
	if b, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		if id := parseCgroupContainerID(string(b)); id != "" {
			imageID = id
		}
	}
	if v := os.Getenv("IMAGE_NAME"); v != "" {
		imageName = v
	}
	return DockerInfo{ContainerID: containerID, ImageName: imageName, ImageID: imageID}
}

func parseCgroupContainerID(cgroup string) string {
	for _, line := range strings.Split(cgroup, "\n") {
		parts := strings.Split(line, "/")
		last := parts[len(parts)-1]
		if len(last) == 64 {
			return last
		}
	}
	return ""
}

// latestVulnerabilityScan reads the lexicographically newest report key
// under scanBucket, matching C11's timestamped-key convention.
func latestVulnerabilityScan(ctx context.Context, store blobstore.Store, scanBucket string) map[string]string {
	unknown := map[string]string{"status": Unknown}
	if store == nil || scanBucket == "" {
		return unknown
	}
	keys, err := store.List(ctx, scanBucket, "")
	if err != nil || len(keys) == 0 {
		return unknown
	}
	newest := keys[len(keys)-1]
	r, err := store.Get(ctx, scanBucket, newest)
	if err != nil {
		return unknown
	}
	defer r.Close()
	return parseScanSummary(r)
}

// parseScanSummary decodes a Trivy-shaped scan report into a severity
// -> count summary; any shape mismatch degrades to Unknown rather than
// surfacing a parse error.
func parseScanSummary(r io.Reader) map[string]string {
	var report struct {
		Results []struct {
			Vulnerabilities []struct {
				Severity string `json:"Severity"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return map[string]string{"status": Unknown}
	}
	counts := map[string]int{}
	for _, result := range report.Results {
		for _, v := range result.Vulnerabilities {
			counts[strings.ToUpper(v.Severity)]++
		}
	}
	if len(counts) == 0 {
		return map[string]string{"status": "clean"}
	}
	out := make(map[string]string, len(counts))
	for sev, n := range counts {
		out[sev] = strconv.Itoa(n)
	}
	return out
}
