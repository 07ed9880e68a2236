package rproto

// RunnerSettings is written next to the runner install script of every environment; the runner
// reads it on start to find its way back to the dispatcher.
type RunnerSettings struct {
	ExperimentID       string `json:"experimentId"`
	Platform           string `json:"platform"`
	ManagerIP          string `json:"nniManagerIP"`
	ManagerPort        int    `json:"nniManagerPort"`
	ManagerVersion     string `json:"nniManagerVersion,omitempty"`
	Command            string `json:"command"`
	LogCollection      string `json:"logCollection"`
	EnableGPUCollector bool   `json:"enableGpuCollector"`
	CommandChannel     string `json:"commandChannel"`
}
