package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
)

// stagedRow is the relational shape of a staging table row.
type stagedRow struct {
	PartitionKey    string    `gorm:"primaryKey;size:64;column:partition_key"`
	RowKey          string    `gorm:"primaryKey;size:64;column:row_key"`
	InstitutionCode string    `gorm:"size:32;column:institution_code"`
	StagedAt        time.Time `gorm:"column:staged_at"`
}

// reportRow is the relational shape of a report table row.
type reportRow struct {
	PartitionKey    string    `gorm:"primaryKey;size:64;column:partition_key"`
	RowKey          string    `gorm:"primaryKey;size:96;column:row_key"`
	JobID           string    `gorm:"size:96;column:job_id"`
	InstitutionCode string    `gorm:"size:32;column:institution_code"`
	Classification  string    `gorm:"size:32;column:classification"`
	Notes           string    `gorm:"type:text;column:notes"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

// GormStagingStore implements StagingStore against a named relational table.
type GormStagingStore struct {
	db    *gorm.DB
	table string
}

// NewGormStagingStore creates a staging store over the given table.
func NewGormStagingStore(db *gorm.DB, table string) (*GormStagingStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		return nil, errors.New("table name is required")
	}
	return &GormStagingStore{db: db, table: table}, nil
}

// Upsert writes or refreshes the staged entry for a barcode. The conflict
// target is the (partition_key, row_key) primary key, which is what makes
// redeliveries idempotent.
func (s *GormStagingStore) Upsert(ctx context.Context, entry StagedEntry) error {
	row := stagedRow{
		PartitionKey:    entry.PartitionKey,
		RowKey:          entry.RowKey,
		InstitutionCode: entry.InstitutionCode,
		StagedAt:        entry.StagedAt,
	}
	if row.StagedAt.IsZero() {
		row.StagedAt = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partition_key"}, {Name: "row_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"institution_code", "staged_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: staging upsert for %s/%s: %w",
			sdkerrors.ErrSinkUnavailable, entry.PartitionKey, entry.RowKey, err)
	}
	return nil
}

// Exists reports whether a staged entry is present for the barcode.
func (s *GormStagingStore) Exists(ctx context.Context, partition, barcode string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(s.table).
		Where("partition_key = ? AND row_key = ?", partition, barcode).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: staging lookup for %s/%s: %w",
			sdkerrors.ErrSinkUnavailable, partition, barcode, err)
	}
	return count > 0, nil
}

// List returns every staged entry in a partition, oldest first.
func (s *GormStagingStore) List(ctx context.Context, partition string) ([]StagedEntry, error) {
	var rows []stagedRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("partition_key = ?", partition).
		Order("staged_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: staging list for %s: %w",
			sdkerrors.ErrSinkUnavailable, partition, err)
	}

	entries := make([]StagedEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, StagedEntry{
			PartitionKey:    r.PartitionKey,
			RowKey:          r.RowKey,
			InstitutionCode: r.InstitutionCode,
			StagedAt:        r.StagedAt,
		})
	}
	return entries, nil
}

// Delete removes a staged entry once its report row has been written.
func (s *GormStagingStore) Delete(ctx context.Context, partition, barcode string) error {
	err := s.db.WithContext(ctx).Table(s.table).
		Where("partition_key = ? AND row_key = ?", partition, barcode).
		Delete(&stagedRow{}).Error
	if err != nil {
		return fmt.Errorf("%w: staging delete for %s/%s: %w",
			sdkerrors.ErrSinkUnavailable, partition, barcode, err)
	}
	return nil
}

// GormReportStore implements ReportStore against a named relational table.
type GormReportStore struct {
	db    *gorm.DB
	table string
}

// NewGormReportStore creates a report store over the given table.
func NewGormReportStore(db *gorm.DB, table string) (*GormReportStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		return nil, errors.New("table name is required")
	}
	return &GormReportStore{db: db, table: table}, nil
}

// Append adds one report row. Rows are keyed by job ID so a redelivered
// outcome overwrites its own row rather than duplicating it.
func (r *GormReportStore) Append(ctx context.Context, entry ReportEntry) error {
	row := reportRow{
		PartitionKey:    entry.PartitionKey,
		RowKey:          entry.RowKey,
		JobID:           entry.JobID,
		InstitutionCode: entry.InstitutionCode,
		Classification:  entry.Classification,
		Notes:           entry.Notes,
		CreatedAt:       entry.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Table(r.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "partition_key"}, {Name: "row_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"job_id", "institution_code", "classification", "notes", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: report append for %s/%s: %w",
			sdkerrors.ErrSinkUnavailable, entry.PartitionKey, entry.RowKey, err)
	}
	return nil
}

// MigrateStagingTables creates staging tables when auto-migration is
// enabled. Production schemas are managed by external migrations.
func MigrateStagingTables(db *gorm.DB, tables ...string) error {
	for _, table := range tables {
		if err := db.Table(table).AutoMigrate(&stagedRow{}); err != nil {
			return fmt.Errorf("migrate staging table %s: %w", table, err)
		}
	}
	return nil
}

// MigrateReportTables creates report tables when auto-migration is enabled.
func MigrateReportTables(db *gorm.DB, tables ...string) error {
	for _, table := range tables {
		if err := db.Table(table).AutoMigrate(&reportRow{}); err != nil {
			return fmt.Errorf("migrate report table %s: %w", table, err)
		}
	}
	return nil
}
