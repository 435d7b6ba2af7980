package registry

import "time"

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one training-and-selection run.
type Run struct {
	ID             string     `gorm:"primaryKey;column:id;size:36" json:"id"`
	Status         string     `gorm:"column:status;index" json:"status"`
	TargetAccuracy float64    `gorm:"column:target_accuracy" json:"target_accuracy"`
	DataRoot       string     `gorm:"column:data_root" json:"data_root"`
	Deployed       string     `gorm:"column:deployed" json:"deployed,omitempty"`
	Members        string     `gorm:"column:members" json:"members,omitempty"` // comma separated variants
	Accuracy       float64    `gorm:"column:accuracy" json:"accuracy"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt      time.Time  `gorm:"column:started_at;autoCreateTime" json:"started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (Run) TableName() string {
	return "runs"
}

// Epoch is one reported training epoch of a run.
type Epoch struct {
	ID            uint      `gorm:"primaryKey;column:id" json:"-"`
	RunID         string    `gorm:"column:run_id;index;size:36" json:"run_id"`
	Variant       string    `gorm:"column:variant" json:"variant"`
	Phase         string    `gorm:"column:phase" json:"phase"`
	EpochIndex    int       `gorm:"column:epoch" json:"epoch"`
	TrainLoss     float64   `gorm:"column:train_loss" json:"train_loss"`
	TrainAccuracy float64   `gorm:"column:train_accuracy" json:"train_accuracy"`
	ValLoss       float64   `gorm:"column:val_loss" json:"val_loss"`
	ValAccuracy   float64   `gorm:"column:val_accuracy" json:"val_accuracy"`
	LearningRate  float64   `gorm:"column:learning_rate" json:"learning_rate"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Epoch) TableName() string {
	return "epochs"
}
