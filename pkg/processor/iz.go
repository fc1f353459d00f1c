package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shelfwise/itemchecks/pkg/model"
)

// IZProcessor applies the Institution Zone rule set: only the missing
// row/tray workflow, restricted to the designated IZ locations and scoped to
// IZ storage targets distinct from SCF's. Withdrawal and provenance checks
// are SCF-only; IZ items lack those data elements in the source system.
type IZProcessor struct {
	rules   *Rules
	staging StagingReader
	logger  *zap.Logger
}

// NewIZProcessor creates the IZ variant.
func NewIZProcessor(rules *Rules, staging StagingReader, logger *zap.Logger) (*IZProcessor, error) {
	if rules == nil {
		return nil, errors.New("rules are required")
	}
	if staging == nil {
		return nil, errors.New("staging reader is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &IZProcessor{rules: rules, staging: staging, logger: logger}, nil
}

// Applies reports whether the item is in a checked IZ location and is
// missing row/tray data.
func (p *IZProcessor) Applies(item *model.ItemRecord, _ *model.Institution) bool {
	if !p.inCheckedLocation(item) {
		return false
	}
	return !hasRowTray(item)
}

// Evaluate classifies the item under the IZ rules.
func (p *IZProcessor) Evaluate(ctx context.Context, item *model.ItemRecord, inst *model.Institution) (*model.ProcessingOutcome, error) {
	outcome := &model.ProcessingOutcome{
		Barcode:         item.Barcode,
		InstitutionCode: inst.Code,
		ProcessType:     model.ProcessTypeIZ,
		Item:            item,
	}

	if !p.Applies(item, inst) {
		outcome.Classification = model.NoActionNeeded
		return outcome, nil
	}

	staged, err := p.staging.Exists(ctx, IZStagePartition, item.Barcode)
	if err != nil {
		return nil, fmt.Errorf("staging lookup for barcode %s: %w", item.Barcode, err)
	}
	if staged {
		p.logger.Info("Barcode already staged, classifying duplicate",
			zap.String("barcode", item.Barcode),
			zap.String("institution", inst.Code))
		outcome.Classification = model.NoRowOrTrayDuplicate
		outcome.JobID = newJobID(inst.Code, "iz_no_row_tray_duplicate")
		return outcome, nil
	}

	p.logger.Warn("IZ item missing row and tray data, staging for report",
		zap.String("barcode", item.Barcode),
		zap.String("institution", inst.Code))
	outcome.Classification = model.NoRowTray
	outcome.JobID = newJobID(inst.Code, "iz_no_row_tray")
	return outcome, nil
}

func (p *IZProcessor) inCheckedLocation(item *model.ItemRecord) bool {
	return inLocationList(item.HoldingLocation, p.rules.CheckedIZLocations) ||
		inLocationList(item.TempLocation, p.rules.CheckedIZLocations)
}
