package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shelfwise/itemchecks/pkg/model"
)

// SCFProcessor applies the Shared Collection Facility rule set. The four
// sub-workflows run in fixed priority order and the first match wins:
// withdrawal, missing row/tray (with duplicate detection), provenance
// screening, then no action.
type SCFProcessor struct {
	rules   *Rules
	staging StagingReader
	logger  *zap.Logger
}

// NewSCFProcessor creates the SCF variant.
func NewSCFProcessor(rules *Rules, staging StagingReader, logger *zap.Logger) (*SCFProcessor, error) {
	if rules == nil {
		return nil, errors.New("rules are required")
	}
	if staging == nil {
		return nil, errors.New("staging reader is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &SCFProcessor{rules: rules, staging: staging, logger: logger}, nil
}

// Applies reports whether the item can need any SCF action. Items in a
// configured skip location never apply; otherwise any of the three active
// checks firing makes the item applicable.
func (p *SCFProcessor) Applies(item *model.ItemRecord, _ *model.Institution) bool {
	if inLocationList(item.HoldingLocation, p.rules.SkipLocations) ||
		inLocationList(item.TempLocation, p.rules.SkipLocations) {
		return false
	}
	if item.WithdrawalFlag {
		return true
	}
	if !hasRowTray(item) {
		return true
	}
	_, matched := p.matchProvenance(item)
	return matched
}

// Evaluate classifies the item under the SCF rules.
func (p *SCFProcessor) Evaluate(ctx context.Context, item *model.ItemRecord, inst *model.Institution) (*model.ProcessingOutcome, error) {
	outcome := &model.ProcessingOutcome{
		Barcode:         item.Barcode,
		InstitutionCode: inst.Code,
		ProcessType:     model.ProcessTypeSCF,
		Item:            item,
	}

	if !p.Applies(item, inst) {
		outcome.Classification = model.NoActionNeeded
		return outcome, nil
	}

	// Withdrawal wins over every other check regardless of row/tray state.
	if item.WithdrawalFlag {
		p.logger.Info("Item marked withdrawn, recording only",
			zap.String("barcode", item.Barcode))
		outcome.Classification = model.WithdrawnNoAction
		outcome.JobID = newJobID(inst.Code, "scf_withdrawn")
		return outcome, nil
	}

	if !hasRowTray(item) {
		staged, err := p.staging.Exists(ctx, SCFStagePartition, item.Barcode)
		if err != nil {
			return nil, fmt.Errorf("staging lookup for barcode %s: %w", item.Barcode, err)
		}
		if staged {
			p.logger.Info("Barcode already staged, classifying duplicate",
				zap.String("barcode", item.Barcode))
			outcome.Classification = model.NoRowOrTrayDuplicate
			outcome.JobID = newJobID(inst.Code, "scf_no_row_tray_duplicate")
			return outcome, nil
		}
		p.logger.Warn("Item missing row and tray data, staging for report",
			zap.String("barcode", item.Barcode))
		outcome.Classification = model.NoRowTray
		outcome.JobID = newJobID(inst.Code, "scf_no_row_tray")
		return outcome, nil
	}

	if note, matched := p.matchProvenance(item); matched {
		corrected := p.correctProvenance(item, note)
		p.logger.Warn("Provenance note matched exclusion pattern, correcting",
			zap.String("barcode", item.Barcode),
			zap.String("note", note))
		outcome.Classification = model.ProvenanceIssue
		outcome.JobID = newJobID(inst.Code, "scf_provenance")
		outcome.CorrectedFields = corrected
		outcome.Notes = []string{"stripped provenance note: " + note}
		return outcome, nil
	}

	outcome.Classification = model.NoActionNeeded
	return outcome, nil
}

// matchProvenance returns the first provenance note matching a configured
// exclusion pattern, walking notes in order and patterns first-match-wins.
func (p *SCFProcessor) matchProvenance(item *model.ItemRecord) (string, bool) {
	for _, note := range item.ProvenanceNotes {
		if _, ok := matchExclusion(note, p.rules.ProvenanceExclusions); ok {
			return note, true
		}
	}
	return "", false
}

// correctProvenance produces the corrected field mapping with the offending
// note stripped. Only one note is corrected per outcome.
func (p *SCFProcessor) correctProvenance(item *model.ItemRecord, offending string) map[string]string {
	kept := make([]string, 0, len(item.ProvenanceNotes))
	stripped := false
	for _, note := range item.ProvenanceNotes {
		if !stripped && note == offending {
			stripped = true
			continue
		}
		kept = append(kept, note)
	}
	return map[string]string{
		"provenance_notes": strings.Join(kept, "; "),
	}
}
