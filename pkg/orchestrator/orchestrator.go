// Package orchestrator implements the processor service: it receives one
// work item, resolves the institution, fetches the item record, dispatches
// to the matching processor variant, and routes the outcome to the result
// sinks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
	"github.com/shelfwise/itemchecks/pkg/processor"
)

// Directory resolves an institution code to its credential and class.
type Directory interface {
	GetInstitution(ctx context.Context, code string) (*model.Institution, error)
}

// Fetcher retrieves one item record by barcode using an institution's
// credential.
type Fetcher interface {
	FetchItem(ctx context.Context, barcode, apiKey string) (*model.ItemRecord, error)
}

// Sink routes one outcome to its downstream targets.
type Sink interface {
	Write(ctx context.Context, outcome *model.ProcessingOutcome) error
}

// Service orchestrates one processing invocation per work item. It holds no
// mutable state of its own; all shared state lives in the directory and the
// staging/report stores, so invocations may run concurrently.
type Service struct {
	directory Directory
	fetcher   Fetcher
	scf       processor.Processor
	iz        processor.Processor
	sink      Sink
	logger    *zap.Logger
}

// NewService creates the orchestrator.
func NewService(directory Directory, fetcher Fetcher, scf, iz processor.Processor, sink Sink, logger *zap.Logger) (*Service, error) {
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if scf == nil || iz == nil {
		return nil, errors.New("both processor variants are required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		directory: directory,
		fetcher:   fetcher,
		scf:       scf,
		iz:        iz,
		sink:      sink,
		logger:    logger,
	}, nil
}

// Process runs one work item end to end and returns its outcome. A work
// item whose fetch fails never produces an outcome, only an error. The
// class/process-type consistency check runs before any fetch so that
// misrouted work items cost no external calls.
func (s *Service) Process(ctx context.Context, work model.WorkItem) (*model.ProcessingOutcome, error) {
	inst, err := s.directory.GetInstitution(ctx, work.InstitutionCode)
	if err != nil {
		return nil, err
	}

	if !inst.Class.Matches(work.ProcessType) {
		return nil, fmt.Errorf("%w: work item requests %s but institution %s is class %s",
			sdkerrors.ErrClassMismatch, work.ProcessType, inst.Code, inst.Class)
	}

	item, err := s.fetcher.FetchItem(ctx, work.Barcode, inst.APIKey)
	if err != nil {
		return nil, err
	}

	proc := s.scf
	if inst.Class == model.ClassIZ {
		proc = s.iz
	}

	outcome, err := proc.Evaluate(ctx, item, inst)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Classified item",
		zap.String("barcode", work.Barcode),
		zap.String("institution", inst.Code),
		zap.String("classification", string(outcome.Classification)))

	if err := s.sink.Write(ctx, outcome); err != nil {
		// Completed sink writes stay; the queue's at-least-once redelivery
		// retries the full evaluate+write sequence and duplicate detection
		// keeps the staging table convergent.
		return outcome, err
	}

	return outcome, nil
}
