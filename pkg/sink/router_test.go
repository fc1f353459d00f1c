package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
	"github.com/shelfwise/itemchecks/pkg/processor"
)

type memStaging struct {
	entries map[string]StagedEntry
	err     error
}

func newMemStaging() *memStaging {
	return &memStaging{entries: make(map[string]StagedEntry)}
}

func (m *memStaging) Upsert(_ context.Context, entry StagedEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries[entry.PartitionKey+"/"+entry.RowKey] = entry
	return nil
}

func (m *memStaging) Exists(_ context.Context, partition, barcode string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.entries[partition+"/"+barcode]
	return ok, nil
}

func (m *memStaging) List(_ context.Context, partition string) ([]StagedEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []StagedEntry
	for _, e := range m.entries {
		if e.PartitionKey == partition {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStaging) Delete(_ context.Context, partition, barcode string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.entries, partition+"/"+barcode)
	return nil
}

type memReports struct {
	entries []ReportEntry
	err     error
}

func (m *memReports) Append(_ context.Context, entry ReportEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

type memBlobs struct {
	uploads map[string][]byte
	err     error
}

func newMemBlobs() *memBlobs { return &memBlobs{uploads: make(map[string][]byte)} }

func (m *memBlobs) Upload(_ context.Context, name string, data []byte, _ map[string]string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.uploads[name] = data
	return "https://blobs.local/" + name, nil
}

type memPublisher struct {
	published map[string][][]byte
	err       error
}

func newMemPublisher() *memPublisher { return &memPublisher{published: make(map[string][][]byte)} }

func (m *memPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	if m.err != nil {
		return m.err
	}
	m.published[subject] = append(m.published[subject], payload)
	return nil
}

type routerFixture struct {
	scfStaging *memStaging
	izStaging  *memStaging
	reports    *memReports
	blobs      *memBlobs
	publisher  *memPublisher
	router     *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		scfStaging: newMemStaging(),
		izStaging:  newMemStaging(),
		reports:    &memReports{},
		blobs:      newMemBlobs(),
		publisher:  newMemPublisher(),
	}
	router, err := NewRouter(f.scfStaging, f.izStaging, f.reports, f.blobs, f.publisher, RouterConfig{
		UpdateSubject:       "ITEMCHECKS.update-queue",
		NotificationSubject: "ITEMCHECKS.notification-queue",
	}, zap.NewNop())
	require.NoError(t, err)
	f.router = router
	return f
}

func TestRouter_Write_NoActionNeeded(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification: model.NoActionNeeded,
		Barcode:        "310001",
	})
	require.NoError(t, err)
	assert.Empty(t, f.scfStaging.entries)
	assert.Empty(t, f.reports.entries)
	assert.Empty(t, f.blobs.uploads)
	assert.Empty(t, f.publisher.published)
}

func TestRouter_Write_NoRowTrayStagesByProcess(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.NoRowTray,
		Barcode:         "310002",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
	})
	require.NoError(t, err)
	assert.Contains(t, f.scfStaging.entries, processor.SCFStagePartition+"/310002")
	assert.Empty(t, f.izStaging.entries)

	err = f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.NoRowTray,
		Barcode:         "420002",
		InstitutionCode: "gt",
		ProcessType:     model.ProcessTypeIZ,
	})
	require.NoError(t, err)
	assert.Contains(t, f.izStaging.entries, processor.IZStagePartition+"/420002")
}

func TestRouter_Write_NoRowTrayUpsertIsIdempotent(t *testing.T) {
	f := newRouterFixture(t)

	outcome := &model.ProcessingOutcome{
		Classification:  model.NoRowTray,
		Barcode:         "310003",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
	}
	require.NoError(t, f.router.Write(context.Background(), outcome))
	require.NoError(t, f.router.Write(context.Background(), outcome))
	assert.Len(t, f.scfStaging.entries, 1)
}

func TestRouter_Write_DuplicateReportsAndNotifies(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.NoRowOrTrayDuplicate,
		JobID:           "scf_scf_no_row_tray_duplicate_x",
		Barcode:         "310004",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
	})
	require.NoError(t, err)
	require.Len(t, f.reports.entries, 1)
	assert.Equal(t, string(model.NoRowOrTrayDuplicate), f.reports.entries[0].Classification)

	msgs := f.publisher.published["ITEMCHECKS.notification-queue"]
	require.Len(t, msgs, 1)
	var notification model.Notification
	require.NoError(t, json.Unmarshal(msgs[0], &notification))
	assert.Equal(t, "310004", notification.Barcode)

	// Nothing written to staging or blobs for a duplicate.
	assert.Empty(t, f.scfStaging.entries)
	assert.Empty(t, f.blobs.uploads)
}

func TestRouter_Write_ProvenanceIssueUploadsAndQueuesUpdate(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.ProvenanceIssue,
		JobID:           "scf_scf_provenance_x",
		Barcode:         "310005",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
		CorrectedFields: map[string]string{"provenance_notes": "kept note"},
	})
	require.NoError(t, err)

	require.Contains(t, f.blobs.uploads, "scf_scf_provenance_x.json")
	var stored model.ProcessingOutcome
	require.NoError(t, json.Unmarshal(f.blobs.uploads["scf_scf_provenance_x.json"], &stored))
	assert.Equal(t, "kept note", stored.CorrectedFields["provenance_notes"])

	msgs := f.publisher.published["ITEMCHECKS.update-queue"]
	require.Len(t, msgs, 1)
	var notification model.Notification
	require.NoError(t, json.Unmarshal(msgs[0], &notification))
	assert.Equal(t, "kept note", notification.CorrectedFields["provenance_notes"])
}

func TestRouter_Write_WithdrawnReportsOnly(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.WithdrawnNoAction,
		JobID:           "scf_scf_withdrawn_x",
		Barcode:         "310006",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
	})
	require.NoError(t, err)
	require.Len(t, f.reports.entries, 1)
	assert.Contains(t, f.reports.entries[0].Notes, "withdrawn")
	assert.Empty(t, f.scfStaging.entries)
	assert.Empty(t, f.blobs.uploads)
	assert.Empty(t, f.publisher.published)
}

func TestRouter_Write_PartialFailureStillAttemptsAllTargets(t *testing.T) {
	f := newRouterFixture(t)
	f.reports.err = errors.New("table offline")

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification:  model.NoRowOrTrayDuplicate,
		JobID:           "scf_dup_x",
		Barcode:         "310007",
		InstitutionCode: "scf",
		ProcessType:     model.ProcessTypeSCF,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrSinkUnavailable)

	// The notification target was still attempted and succeeded.
	assert.Len(t, f.publisher.published["ITEMCHECKS.notification-queue"], 1)
}

func TestRouter_Write_UnroutableClassification(t *testing.T) {
	f := newRouterFixture(t)

	err := f.router.Write(context.Background(), &model.ProcessingOutcome{
		Classification: model.Classification("Mystery"),
		Barcode:        "310008",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, sdkerrors.ErrSinkUnavailable)
}
