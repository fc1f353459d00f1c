// Package directory provides the read-only institution lookup backing every
// processing invocation. Institutions live in a relational store and map an
// institution code to its API credential and behavioral flags.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
)

// InstitutionRow is the relational representation of one institution.
type InstitutionRow struct {
	ID     uint   `gorm:"primaryKey"`
	Code   string `gorm:"uniqueIndex;size:32;not null"`
	Name   string `gorm:"size:255"`
	APIKey string `gorm:"column:api_key;size:255;not null"`
	Class  string `gorm:"size:8;not null"`

	// Flags holds the behavioral toggle set as a JSON object.
	Flags string `gorm:"type:text"`

	DuplicateReportPath string `gorm:"size:512"`
}

// TableName implements gorm's table naming interface.
func (InstitutionRow) TableName() string { return "institutions" }

// Service resolves institutions by code. It is safe for concurrent use; all
// state lives in the backing store.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a directory service over an open gorm handle.
func NewService(db *gorm.DB, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{db: db, logger: logger}, nil
}

// GetInstitution looks up one institution by its code. A missing code fails
// with errors.ErrUnknownInstitution.
func (s *Service) GetInstitution(ctx context.Context, code string) (*model.Institution, error) {
	var row InstitutionRow
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", sdkerrors.ErrUnknownInstitution, code)
		}
		return nil, fmt.Errorf("institution lookup failed for %s: %w", code, err)
	}

	inst, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstitutions returns every institution in the directory. Used by the
// administrative path, not by the processing core.
func (s *Service) ListInstitutions(ctx context.Context) ([]*model.Institution, error) {
	var rows []InstitutionRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("institution list failed: %w", err)
	}

	insts := make([]*model.Institution, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toModel()
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

// CreateInstitution inserts a new institution. Administrative path only.
func (s *Service) CreateInstitution(ctx context.Context, inst *model.Institution) error {
	row, err := rowFromModel(inst)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("institution create failed for %s: %w", inst.Code, err)
	}
	inst.ID = row.ID
	s.logger.Info("Created institution",
		zap.String("code", inst.Code),
		zap.String("class", string(inst.Class)))
	return nil
}

// UpdateInstitution replaces the stored record for an institution code.
// Administrative path only.
func (s *Service) UpdateInstitution(ctx context.Context, inst *model.Institution) error {
	row, err := rowFromModel(inst)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&InstitutionRow{}).
		Where("code = ?", inst.Code).
		Updates(map[string]any{
			"name":                  row.Name,
			"api_key":               row.APIKey,
			"class":                 row.Class,
			"flags":                 row.Flags,
			"duplicate_report_path": row.DuplicateReportPath,
		})
	if res.Error != nil {
		return fmt.Errorf("institution update failed for %s: %w", inst.Code, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", sdkerrors.ErrUnknownInstitution, inst.Code)
	}
	return nil
}

// DeleteInstitution removes an institution by code. Administrative path only.
func (s *Service) DeleteInstitution(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Where("code = ?", code).Delete(&InstitutionRow{})
	if res.Error != nil {
		return fmt.Errorf("institution delete failed for %s: %w", code, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", sdkerrors.ErrUnknownInstitution, code)
	}
	return nil
}

func (r *InstitutionRow) toModel() (*model.Institution, error) {
	flags := map[string]bool{}
	if r.Flags != "" {
		if err := json.Unmarshal([]byte(r.Flags), &flags); err != nil {
			return nil, fmt.Errorf("institution %s has invalid flags: %w", r.Code, err)
		}
	}
	return &model.Institution{
		ID:                  r.ID,
		Code:                r.Code,
		Name:                r.Name,
		APIKey:              r.APIKey,
		Class:               model.InstitutionClass(r.Class),
		Flags:               flags,
		DuplicateReportPath: r.DuplicateReportPath,
	}, nil
}

func rowFromModel(inst *model.Institution) (*InstitutionRow, error) {
	if inst == nil {
		return nil, errors.New("institution is required")
	}
	flags := "{}"
	if len(inst.Flags) > 0 {
		data, err := json.Marshal(inst.Flags)
		if err != nil {
			return nil, fmt.Errorf("marshal flags for %s: %w", inst.Code, err)
		}
		flags = string(data)
	}
	return &InstitutionRow{
		ID:                  inst.ID,
		Code:                inst.Code,
		Name:                inst.Name,
		APIKey:              inst.APIKey,
		Class:               string(inst.Class),
		Flags:               flags,
		DuplicateReportPath: inst.DuplicateReportPath,
	}, nil
}
