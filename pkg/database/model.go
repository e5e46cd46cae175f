package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Bug represents a record in the public.cifuzz_bugs table
type Bug struct {
	ID           int       `gorm:"primaryKey;column:id"`
	RunID        string    `gorm:"column:run_id;not null;index"`
	CreatedAt    time.Time `gorm:"column:created_at;default:now()"`
	Project      string    `gorm:"column:project;not null"`
	Architecture string    `gorm:"column:architecture;not null"`
	POC          string    `gorm:"column:poc;not null"`
	POCMD5       string    `gorm:"column:poc_md5"`
	HarnessName  string    `gorm:"column:harness_name;not null"`
	Sanitizer    string    `gorm:"column:sanitizer;not null"`
	Verdict      string    `gorm:"column:verdict;not null"`
	CrashType    string    `gorm:"column:crash_type"`
	Summary      string    `gorm:"column:summary;type:text"`
}

func (Bug) TableName() string { return "cifuzz_bugs" }

// Run represents a record in the public.cifuzz_runs table
type Run struct {
	RunID      string    `gorm:"primaryKey;column:run_id"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	Project    string    `gorm:"column:project"`
	Sanitizer  string    `gorm:"column:sanitizer"`
	RunSuccess bool      `gorm:"column:run_success"`
	BugFound   bool      `gorm:"column:bug_found"`
	Metric     Metric    `gorm:"column:metric;type:jsonb"`
}

func (Run) TableName() string { return "cifuzz_runs" }

// Metric represents a jsonb field
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
