// Package report compiles the staged no-row/tray items into reports. A run
// drains one staging partition, re-fetches each staged item fresh, keeps
// only items still missing row/tray data, writes a report blob plus report
// table rows, clears the processed staging rows, and notifies downstream.
// It also publishes the SCF duplicate-barcode analytics report.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
	"github.com/shelfwise/itemchecks/pkg/orchestrator"
	"github.com/shelfwise/itemchecks/pkg/processor"
	"github.com/shelfwise/itemchecks/pkg/sink"
)

// AnalyticsFetcher retrieves the rows of a stored analytics report by path.
type AnalyticsFetcher interface {
	FetchReport(ctx context.Context, path, apiKey string) ([]map[string]string, error)
}

// Config holds the report run settings.
type Config struct {
	// SCFInstitutionCode is the directory code whose credential is used to
	// re-fetch SCF-staged items.
	SCFInstitutionCode string

	// NotificationSubject receives the run-complete message.
	NotificationSubject string
}

// row is one line of a generated report blob.
type row struct {
	Barcode         string `json:"barcode"`
	InstitutionCode string `json:"institution_code"`
	HoldingLocation string `json:"holding_location"`
	CallNumber      string `json:"call_number"`
	StagedAt        string `json:"staged_at"`
}

// runNotification is the outbound message announcing a completed run.
type runNotification struct {
	ReportID    string `json:"report_id"`
	ProcessType string `json:"process_type"`
	ItemCount   int    `json:"item_count"`
	BlobURL     string `json:"blob_url"`
}

// Service runs staged-item report compilation for both processes, plus the
// SCF duplicates analytics report.
type Service struct {
	directory  orchestrator.Directory
	fetcher    orchestrator.Fetcher
	analytics  AnalyticsFetcher
	scfStaging sink.StagingStore
	izStaging  sink.StagingStore
	reports    sink.ReportStore
	blobs      sink.BlobStore
	publisher  sink.Publisher
	cfg        Config
	logger     *zap.Logger
}

// NewService creates the report service.
func NewService(directory orchestrator.Directory, fetcher orchestrator.Fetcher, analytics AnalyticsFetcher, scfStaging, izStaging sink.StagingStore, reports sink.ReportStore, blobs sink.BlobStore, publisher sink.Publisher, cfg Config, logger *zap.Logger) (*Service, error) {
	if directory == nil || fetcher == nil || analytics == nil {
		return nil, errors.New("directory, fetcher and analytics fetcher are required")
	}
	if scfStaging == nil || izStaging == nil {
		return nil, errors.New("staging stores are required")
	}
	if reports == nil || blobs == nil || publisher == nil {
		return nil, errors.New("report, blob and publisher sinks are required")
	}
	if cfg.SCFInstitutionCode == "" {
		return nil, errors.New("SCF institution code is required")
	}
	if cfg.NotificationSubject == "" {
		return nil, errors.New("notification subject is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		directory:  directory,
		fetcher:    fetcher,
		analytics:  analytics,
		scfStaging: scfStaging,
		izStaging:  izStaging,
		reports:    reports,
		blobs:      blobs,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// RunSCFNoRowTray compiles the SCF staging partition. All staged items are
// re-fetched with the SCF institution's credential.
func (s *Service) RunSCFNoRowTray(ctx context.Context) error {
	inst, err := s.directory.GetInstitution(ctx, s.cfg.SCFInstitutionCode)
	if err != nil {
		return fmt.Errorf("resolve SCF institution: %w", err)
	}
	lookup := func(context.Context, string) (*model.Institution, error) { return inst, nil }
	return s.run(ctx, s.scfStaging, processor.SCFStagePartition, "SCF", lookup)
}

// RunSCFDuplicates publishes the SCF duplicate-barcode analytics report. The
// stored report at the SCF institution's configured path is fetched and its
// rows uploaded as a report blob, followed by a run notification. An
// institution without a configured path skips the run.
func (s *Service) RunSCFDuplicates(ctx context.Context) error {
	inst, err := s.directory.GetInstitution(ctx, s.cfg.SCFInstitutionCode)
	if err != nil {
		return fmt.Errorf("resolve SCF institution: %w", err)
	}
	if inst.DuplicateReportPath == "" {
		s.logger.Warn("No duplicate report path configured, skipping run",
			zap.String("institution", inst.Code))
		return nil
	}

	reportID := fmt.Sprintf("scf_duplicates_report_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8])

	rows, err := s.analytics.FetchReport(ctx, inst.DuplicateReportPath, inst.APIKey)
	if err != nil {
		return fmt.Errorf("fetch duplicates report %s: %w", reportID, err)
	}
	if len(rows) == 0 {
		s.logger.Info("Duplicates report has no rows", zap.String("report_id", reportID))
		return nil
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", reportID, err)
	}
	blobURL, err := s.blobs.Upload(ctx, reportID+".json", payload, map[string]string{
		"report_id":    reportID,
		"process_type": "scf_duplicates",
	})
	if err != nil {
		return fmt.Errorf("upload report %s: %w", reportID, err)
	}

	notification := runNotification{
		ReportID:    reportID,
		ProcessType: "scf_duplicates",
		ItemCount:   len(rows),
		BlobURL:     blobURL,
	}
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal run notification %s: %w", reportID, err)
	}
	if err := s.publisher.Publish(ctx, s.cfg.NotificationSubject, message); err != nil {
		return fmt.Errorf("notify run %s: %w", reportID, err)
	}

	s.logger.Info("Published duplicates report",
		zap.String("report_id", reportID),
		zap.Int("rows", len(rows)))
	return nil
}

// RunIZNoRowTray compiles the IZ staging partition. Each staged entry keeps
// the institution code it was staged under, so credentials are resolved per
// entry.
func (s *Service) RunIZNoRowTray(ctx context.Context) error {
	return s.run(ctx, s.izStaging, processor.IZStagePartition, "IZ", s.directory.GetInstitution)
}

func (s *Service) run(ctx context.Context, staging sink.StagingStore, partition, processName string, lookup func(context.Context, string) (*model.Institution, error)) error {
	entries, err := staging.List(ctx, partition)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		s.logger.Info("No staged items for report run", zap.String("partition", partition))
		return nil
	}

	reportID := fmt.Sprintf("%s_report_%s_%s",
		partition,
		time.Now().UTC().Format("20060102_150405"),
		uuid.NewString()[:8])

	s.logger.Info("Starting staged-item report run",
		zap.String("report_id", reportID),
		zap.String("partition", partition),
		zap.Int("staged", len(entries)))

	var rows []row
	var failures []error

	for _, entry := range entries {
		code := entry.InstitutionCode
		if code == "" {
			code = s.cfg.SCFInstitutionCode
		}
		inst, err := lookup(ctx, code)
		if err != nil {
			failures = append(failures, fmt.Errorf("entry %s: %w", entry.RowKey, err))
			continue
		}

		item, err := s.fetcher.FetchItem(ctx, entry.RowKey, inst.APIKey)
		if err != nil {
			if errors.Is(err, sdkerrors.ErrItemNotFound) {
				// Item is gone from the source system, report row only.
				rows = append(rows, row{
					Barcode:         entry.RowKey,
					InstitutionCode: code,
					StagedAt:        entry.StagedAt.Format(time.RFC3339),
				})
				s.clearStaged(ctx, staging, partition, entry.RowKey, &failures)
				continue
			}
			failures = append(failures, fmt.Errorf("entry %s: %w", entry.RowKey, err))
			continue
		}

		if processor.NormalizeField(item.Row) != "" && processor.NormalizeField(item.Tray) != "" {
			// Resolved since staging; drop silently.
			s.clearStaged(ctx, staging, partition, entry.RowKey, &failures)
			continue
		}

		rows = append(rows, row{
			Barcode:         item.Barcode,
			InstitutionCode: code,
			HoldingLocation: item.HoldingLocation,
			CallNumber:      item.CallNumber,
			StagedAt:        entry.StagedAt.Format(time.RFC3339),
		})

		if err := s.reports.Append(ctx, sink.ReportEntry{
			PartitionKey:    partition + "_report",
			RowKey:          reportID + "_" + entry.RowKey,
			JobID:           reportID,
			InstitutionCode: code,
			Classification:  string(model.NoRowTray),
			CreatedAt:       time.Now().UTC(),
		}); err != nil {
			failures = append(failures, err)
			continue
		}

		s.clearStaged(ctx, staging, partition, entry.RowKey, &failures)
	}

	blobURL := ""
	if len(rows) > 0 {
		payload, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("marshal report %s: %w", reportID, err)
		}
		blobURL, err = s.blobs.Upload(ctx, reportID+".json", payload, map[string]string{
			"report_id":    reportID,
			"process_type": processName,
		})
		if err != nil {
			failures = append(failures, err)
		}
	}

	notification := runNotification{
		ReportID:    reportID,
		ProcessType: processName,
		ItemCount:   len(rows),
		BlobURL:     blobURL,
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal run notification %s: %w", reportID, err)
	}
	if err := s.publisher.Publish(ctx, s.cfg.NotificationSubject, payload); err != nil {
		failures = append(failures, err)
	}

	s.logger.Info("Finished staged-item report run",
		zap.String("report_id", reportID),
		zap.Int("reported", len(rows)),
		zap.Int("failures", len(failures)))

	if len(failures) > 0 {
		return fmt.Errorf("report run %s completed with %d failures: %w",
			reportID, len(failures), errors.Join(failures...))
	}
	return nil
}

func (s *Service) clearStaged(ctx context.Context, staging sink.StagingStore, partition, barcode string, failures *[]error) {
	if err := staging.Delete(ctx, partition, barcode); err != nil {
		*failures = append(*failures, err)
	}
}
