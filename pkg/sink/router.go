package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
	"github.com/shelfwise/itemchecks/pkg/processor"
)

// RouterConfig names the outbound subjects used by the routing table.
type RouterConfig struct {
	// UpdateSubject receives corrected items for the downstream updater.
	UpdateSubject string

	// NotificationSubject receives staff notification messages.
	NotificationSubject string
}

// Router maps each outcome classification to its sink targets:
//
//	NoRowTray            -> staging upsert by barcode
//	NoRowOrTrayDuplicate -> report append + notification
//	ProvenanceIssue      -> corrected blob + update-queue message
//	WithdrawnNoAction    -> log-only report entry
//	NoActionNeeded       -> no writes
//
// Writes to different targets are independent; a failure in one target does
// not roll back completed writes to others. The invocation reports failure
// and relies on queue redelivery, with staging-table duplicate detection
// preventing double counting on retry.
type Router struct {
	scfStaging StagingStore
	izStaging  StagingStore
	reports    ReportStore
	blobs      BlobStore
	publisher  Publisher
	cfg        RouterConfig
	logger     *zap.Logger
}

// NewRouter creates a fully wired result sink router.
func NewRouter(scfStaging, izStaging StagingStore, reports ReportStore, blobs BlobStore, publisher Publisher, cfg RouterConfig, logger *zap.Logger) (*Router, error) {
	if scfStaging == nil || izStaging == nil {
		return nil, errors.New("staging stores are required")
	}
	if reports == nil {
		return nil, errors.New("report store is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.UpdateSubject == "" || cfg.NotificationSubject == "" {
		return nil, errors.New("update and notification subjects are required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		scfStaging: scfStaging,
		izStaging:  izStaging,
		reports:    reports,
		blobs:      blobs,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Write routes one outcome to its targets. Partial completion is possible;
// any failed target surfaces as errors.ErrSinkUnavailable after the
// remaining targets have been attempted.
func (r *Router) Write(ctx context.Context, outcome *model.ProcessingOutcome) error {
	switch outcome.Classification {
	case model.NoActionNeeded:
		return nil
	case model.NoRowTray:
		return r.writeStaged(ctx, outcome)
	case model.NoRowOrTrayDuplicate:
		return r.writeDuplicate(ctx, outcome)
	case model.ProvenanceIssue, model.Updated:
		return r.writeCorrected(ctx, outcome)
	case model.WithdrawnNoAction:
		return r.writeWithdrawn(ctx, outcome)
	default:
		return fmt.Errorf("unroutable classification %q for barcode %s",
			outcome.Classification, outcome.Barcode)
	}
}

func (r *Router) writeStaged(ctx context.Context, outcome *model.ProcessingOutcome) error {
	store, partition := r.stagingFor(outcome.ProcessType)
	return store.Upsert(ctx, StagedEntry{
		PartitionKey:    partition,
		RowKey:          outcome.Barcode,
		InstitutionCode: outcome.InstitutionCode,
		StagedAt:        time.Now().UTC(),
	})
}

func (r *Router) writeDuplicate(ctx context.Context, outcome *model.ProcessingOutcome) error {
	var errs []error

	_, partition := r.stagingFor(outcome.ProcessType)
	if err := r.reports.Append(ctx, reportEntryFor(outcome, partition)); err != nil {
		errs = append(errs, err)
	}

	if err := r.notify(ctx, r.cfg.NotificationSubject, outcome); err != nil {
		errs = append(errs, err)
	}

	return r.join(outcome, errs)
}

func (r *Router) writeCorrected(ctx context.Context, outcome *model.ProcessingOutcome) error {
	var errs []error

	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome for barcode %s: %w", outcome.Barcode, err)
	}

	if _, err := r.blobs.Upload(ctx, outcome.JobID+".json", payload, map[string]string{
		"barcode":        outcome.Barcode,
		"institution":    outcome.InstitutionCode,
		"classification": string(outcome.Classification),
	}); err != nil {
		errs = append(errs, err)
	}

	if err := r.notify(ctx, r.cfg.UpdateSubject, outcome); err != nil {
		errs = append(errs, err)
	}

	return r.join(outcome, errs)
}

func (r *Router) writeWithdrawn(ctx context.Context, outcome *model.ProcessingOutcome) error {
	_, partition := r.stagingFor(outcome.ProcessType)
	entry := reportEntryFor(outcome, partition)
	entry.Notes = "withdrawn item, informational record only"
	if err := r.reports.Append(ctx, entry); err != nil {
		return r.join(outcome, []error{err})
	}
	return nil
}

func (r *Router) notify(ctx context.Context, subject string, outcome *model.ProcessingOutcome) error {
	notification := model.Notification{
		JobID:           outcome.JobID,
		Barcode:         outcome.Barcode,
		InstitutionCode: outcome.InstitutionCode,
		Classification:  outcome.Classification,
		CorrectedFields: outcome.CorrectedFields,
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification for barcode %s: %w", outcome.Barcode, err)
	}
	return r.publisher.Publish(ctx, subject, payload)
}

func (r *Router) stagingFor(p model.ProcessType) (StagingStore, string) {
	if p == model.ProcessTypeIZ {
		return r.izStaging, processor.IZStagePartition
	}
	return r.scfStaging, processor.SCFStagePartition
}

func (r *Router) join(outcome *model.ProcessingOutcome, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	r.logger.Error("Result sink writes failed",
		zap.String("barcode", outcome.Barcode),
		zap.String("classification", string(outcome.Classification)),
		zap.Int("failed_targets", len(errs)),
		zap.Error(errors.Join(errs...)))
	return fmt.Errorf("%w: %d of the targets failed for barcode %s: %w",
		sdkerrors.ErrSinkUnavailable, len(errs), outcome.Barcode, errors.Join(errs...))
}

func reportEntryFor(outcome *model.ProcessingOutcome, partition string) ReportEntry {
	notes := ""
	if len(outcome.Notes) > 0 {
		data, err := json.Marshal(outcome.Notes)
		if err == nil {
			notes = string(data)
		}
	}
	return ReportEntry{
		PartitionKey:    partition,
		RowKey:          outcome.JobID,
		JobID:           outcome.JobID,
		InstitutionCode: outcome.InstitutionCode,
		Classification:  string(outcome.Classification),
		Notes:           notes,
		CreatedAt:       time.Now().UTC(),
	}
}
