package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeReconScan is the task type for the periodic reconciliation sweep.
	TaskTypeReconScan = "recon:scan"
)

// ReconScanPayload configures a reconciliation sweep run.
type ReconScanPayload struct {
	// WindowMonths bounds the projection window; zero means the full history.
	WindowMonths int `json:"window_months"`
}

// NewReconScanTask constructs an Asynq task for the reconciliation sweep.
func NewReconScanTask(payload ReconScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeReconScan, data), nil
}
