package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// testRecord stores the full test as a JSON document with a few indexed
// columns for querying. The document is authoritative; columns are derived.
type testRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	Phase     string `gorm:"size:32;index"`
	Component string `gorm:"size:128;index"`
	Archived  bool   `gorm:"index"`
	Document  datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (testRecord) TableName() string { return "improvement_tests" }

type rollbackRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	TestID    string `gorm:"size:64;index"`
	Severity  string `gorm:"size:16"`
	Document  datatypes.JSON
	CreatedAt time.Time
}

func (rollbackRecord) TableName() string { return "rollback_decisions" }

// MySQL persists through gorm. Schema is migrated on open.
type MySQL struct {
	db *gorm.DB
}

func OpenMySQL(dsn string) (*MySQL, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&testRecord{}, &rollbackRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MySQL{db: db}, nil
}

func (s *MySQL) SaveTest(ctx context.Context, t *model.ImprovementTest) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal test %s: %w", t.ID, err)
	}
	rec := testRecord{
		ID:        t.ID,
		Phase:     string(t.Phase),
		Component: t.Component,
		Archived:  t.Archived,
		Document:  doc,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"phase", "component", "archived", "document", "updated_at"}),
	}).Create(&rec).Error
}

func (s *MySQL) LoadTests(ctx context.Context) ([]*model.ImprovementTest, error) {
	var recs []testRecord
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*model.ImprovementTest, 0, len(recs))
	for _, rec := range recs {
		var t model.ImprovementTest
		if err := json.Unmarshal(rec.Document, &t); err != nil {
			return nil, fmt.Errorf("unmarshal test %s: %w", rec.ID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *MySQL) SaveRollback(ctx context.Context, decision *model.RollbackDecision, result *model.RollbackResult) error {
	doc, err := json.Marshal(struct {
		Decision *model.RollbackDecision `json:"decision"`
		Result   *model.RollbackResult   `json:"result,omitempty"`
	}{decision, result})
	if err != nil {
		return fmt.Errorf("marshal rollback %s: %w", decision.ID, err)
	}
	rec := rollbackRecord{
		ID:        decision.ID,
		TestID:    decision.TestID,
		Severity:  string(decision.Severity),
		Document:  doc,
		CreatedAt: decision.CreatedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document"}),
	}).Create(&rec).Error
}

func (s *MySQL) LoadRollbacks(ctx context.Context, testID string) ([]*model.RollbackDecision, error) {
	var recs []rollbackRecord
	if err := s.db.WithContext(ctx).Where("test_id = ?", testID).Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*model.RollbackDecision, 0, len(recs))
	for _, rec := range recs {
		var doc struct {
			Decision *model.RollbackDecision `json:"decision"`
		}
		if err := json.Unmarshal(rec.Document, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal rollback %s: %w", rec.ID, err)
		}
		out = append(out, doc.Decision)
	}
	return out, nil
}

func (s *MySQL) PurgeArchived(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("archived = ? AND updated_at < ?", true, before).
		Delete(&testRecord{})
	return res.RowsAffected, res.Error
}

func (s *MySQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
