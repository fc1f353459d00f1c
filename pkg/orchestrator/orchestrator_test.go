package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
)

type fakeDirectory struct {
	institutions map[string]*model.Institution
}

func (f *fakeDirectory) GetInstitution(_ context.Context, code string) (*model.Institution, error) {
	inst, ok := f.institutions[code]
	if !ok {
		return nil, sdkerrors.ErrUnknownInstitution
	}
	return inst, nil
}

type fakeFetcher struct {
	record *model.ItemRecord
	err    error
	calls  int
	apiKey string
}

func (f *fakeFetcher) FetchItem(_ context.Context, _, apiKey string) (*model.ItemRecord, error) {
	f.calls++
	f.apiKey = apiKey
	if f.err != nil {
		return nil, f.err
	}
	return f.record, nil
}

type fakeProcessor struct {
	outcome *model.ProcessingOutcome
	err     error
	calls   int
}

func (f *fakeProcessor) Applies(*model.ItemRecord, *model.Institution) bool { return true }

func (f *fakeProcessor) Evaluate(_ context.Context, _ *model.ItemRecord, _ *model.Institution) (*model.ProcessingOutcome, error) {
	f.calls++
	return f.outcome, f.err
}

type fakeSink struct {
	written []*model.ProcessingOutcome
	err     error
}

func (f *fakeSink) Write(_ context.Context, outcome *model.ProcessingOutcome) error {
	f.written = append(f.written, outcome)
	return f.err
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{institutions: map[string]*model.Institution{
		"scf": {Code: "scf", Class: model.ClassSCF, APIKey: "scf-key"},
		"gt":  {Code: "gt", Class: model.ClassIZ, APIKey: "gt-key"},
	}}
}

func newTestService(t *testing.T, dir Directory, fetcher Fetcher, scf, iz *fakeProcessor, sink Sink) *Service {
	t.Helper()
	svc, err := NewService(dir, fetcher, scf, iz, sink, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestService_Process_DispatchesByClass(t *testing.T) {
	fetcher := &fakeFetcher{record: &model.ItemRecord{Barcode: "310001"}}
	scf := &fakeProcessor{outcome: &model.ProcessingOutcome{Classification: model.NoActionNeeded}}
	iz := &fakeProcessor{outcome: &model.ProcessingOutcome{Classification: model.NoRowTray}}
	sink := &fakeSink{}
	svc := newTestService(t, testDirectory(), fetcher, scf, iz, sink)

	outcome, err := svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "scf", Barcode: "310001", ProcessType: model.ProcessTypeSCF,
	})
	require.NoError(t, err)
	assert.Equal(t, model.NoActionNeeded, outcome.Classification)
	assert.Equal(t, 1, scf.calls)
	assert.Zero(t, iz.calls)
	assert.Equal(t, "scf-key", fetcher.apiKey)

	outcome, err = svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "gt", Barcode: "310001", ProcessType: model.ProcessTypeIZ,
	})
	require.NoError(t, err)
	assert.Equal(t, model.NoRowTray, outcome.Classification)
	assert.Equal(t, 1, iz.calls)
	assert.Equal(t, "gt-key", fetcher.apiKey)

	assert.Len(t, sink.written, 2)
}

func TestService_Process_UnknownInstitution(t *testing.T) {
	fetcher := &fakeFetcher{}
	sink := &fakeSink{}
	svc := newTestService(t, testDirectory(), fetcher, &fakeProcessor{}, &fakeProcessor{}, sink)

	_, err := svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "nowhere", Barcode: "310001", ProcessType: model.ProcessTypeSCF,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrUnknownInstitution)
	assert.Zero(t, fetcher.calls)
	assert.Empty(t, sink.written)
}

func TestService_Process_ClassMismatchBeforeFetch(t *testing.T) {
	fetcher := &fakeFetcher{record: &model.ItemRecord{Barcode: "310001"}}
	svc := newTestService(t, testDirectory(), fetcher, &fakeProcessor{}, &fakeProcessor{}, &fakeSink{})

	// SCF work item targeting an IZ institution fails without spending an
	// external call.
	_, err := svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "gt", Barcode: "310001", ProcessType: model.ProcessTypeSCF,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrClassMismatch)
	assert.Zero(t, fetcher.calls, "mismatch must be detected before any fetch")
}

func TestService_Process_FetchFailureProducesNoOutcome(t *testing.T) {
	fetcher := &fakeFetcher{err: sdkerrors.ErrFetchExhausted}
	scf := &fakeProcessor{}
	sink := &fakeSink{}
	svc := newTestService(t, testDirectory(), fetcher, scf, &fakeProcessor{}, sink)

	outcome, err := svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "scf", Barcode: "310001", ProcessType: model.ProcessTypeSCF,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrFetchExhausted)
	assert.Nil(t, outcome)
	assert.Zero(t, scf.calls)
	assert.Empty(t, sink.written)
}

func TestService_Process_SinkFailureReturnsOutcomeAndError(t *testing.T) {
	fetcher := &fakeFetcher{record: &model.ItemRecord{Barcode: "310001"}}
	scf := &fakeProcessor{outcome: &model.ProcessingOutcome{Classification: model.NoRowTray}}
	sink := &fakeSink{err: errors.New("store offline")}
	svc := newTestService(t, testDirectory(), fetcher, scf, &fakeProcessor{}, sink)

	outcome, err := svc.Process(context.Background(), model.WorkItem{
		InstitutionCode: "scf", Barcode: "310001", ProcessType: model.ProcessTypeSCF,
	})
	require.Error(t, err)
	assert.NotNil(t, outcome, "classification is kept even when routing fails")
}
