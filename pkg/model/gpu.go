package model

// GPUInfo describes one GPU of a worker as reported by the runner's GPU collector.
type GPUInfo struct {
	Index            int     `json:"index"`
	ActiveProcessNum int     `json:"activeProcessNum"`
	GPUMemTotal      int64   `json:"gpuMemTotal,omitempty"`
	GPUMemUsed       int64   `json:"gpuMemUsed,omitempty"`
	GPUMemFree       int64   `json:"gpuMemFree,omitempty"`
	GPUUtil          float64 `json:"gpuUtil,omitempty"`
}

// GPUSummary is the GPU inventory of one worker.
type GPUSummary struct {
	GPUCount  int       `json:"gpuCount"`
	Timestamp string    `json:"timestamp,omitempty"`
	GPUInfos  []GPUInfo `json:"gpuInfos"`
}
