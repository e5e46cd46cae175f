package database

import (
	"context"
	"os"
	"time"

	"b3cifuzz/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// inserts multiple bug records into the database
func AddBugs(ctx context.Context, db *gorm.DB, bugs []*Bug) error {
	if len(bugs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(bugs).Error
}

// NewBug builds a Bug row from a triaged crash. The summary text is read
// from the stored bug_summary.txt when there is one.
func NewBug(msg types.CrashMessage) *Bug {
	summary := ""
	if msg.SummaryPath != "" {
		if data, err := os.ReadFile(msg.SummaryPath); err == nil {
			summary = string(data)
		}
	}
	return &Bug{
		RunID:        msg.RunID,
		CreatedAt:    msg.Timestamp,
		Project:      msg.Project,
		Architecture: msg.Architecture,
		POC:          msg.Testcase,
		POCMD5:       msg.TestcaseMD5,
		HarnessName:  msg.Target,
		Sanitizer:    msg.Sanitizer,
		Verdict:      msg.Verdict.String(),
		CrashType:    msg.CrashType,
		Summary:      summary,
	}
}

// UpsertRun inserts or refreshes the run record
func UpsertRun(ctx context.Context, db *gorm.DB, run *Run) error {
	if run == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(run).Error
}

func NewRun(msg types.RunMessage) *Run {
	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	return &Run{
		RunID:      msg.RunID,
		CreatedAt:  created,
		Project:    msg.Project,
		Sanitizer:  msg.Sanitizer,
		RunSuccess: msg.RunSuccess,
		BugFound:   msg.BugFound,
		Metric:     Metric{"targets": msg.Targets},
	}
}
