package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfwise/itemchecks/pkg/model"
)

func newIZ(t *testing.T, staging StagingReader) *IZProcessor {
	t.Helper()
	p, err := NewIZProcessor(testRules(), staging, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestIZProcessor_Applies_CheckedLocationGate(t *testing.T) {
	p := newIZ(t, &fakeStaging{})

	// Missing row/tray but outside the checked locations.
	assert.False(t, p.Applies(&model.ItemRecord{
		Barcode:         "420001",
		HoldingLocation: "General Stacks",
	}, nil))

	// In a checked location and missing row/tray.
	assert.True(t, p.Applies(&model.ItemRecord{
		Barcode:         "420001",
		HoldingLocation: "Offsite Storage",
	}, nil))

	// Temp location counts too.
	assert.True(t, p.Applies(&model.ItemRecord{
		Barcode:         "420001",
		HoldingLocation: "General Stacks",
		TempLocation:    "offsite storage",
	}, nil))

	// Complete row/tray data means nothing to do.
	assert.False(t, p.Applies(&model.ItemRecord{
		Barcode:         "420001",
		HoldingLocation: "Offsite Storage",
		Row:             "R11",
		Tray:            "T02",
	}, nil))
}

func TestIZProcessor_Evaluate_NoRowTray(t *testing.T) {
	staging := &fakeStaging{}
	p := newIZ(t, staging)

	item := &model.ItemRecord{Barcode: "420002", HoldingLocation: "Offsite Storage"}
	inst := &model.Institution{Code: "gt", Class: model.ClassIZ}

	outcome, err := p.Evaluate(context.Background(), item, inst)
	require.NoError(t, err)
	assert.Equal(t, model.NoRowTray, outcome.Classification)
	assert.Equal(t, model.ProcessTypeIZ, outcome.ProcessType)
	assert.Equal(t, "gt", outcome.InstitutionCode)
	assert.Equal(t, 1, staging.calls)
}

func TestIZProcessor_Evaluate_Duplicate(t *testing.T) {
	staging := &fakeStaging{staged: map[string]bool{
		IZStagePartition + "/420003": true,
	}}
	p := newIZ(t, staging)

	item := &model.ItemRecord{Barcode: "420003", HoldingLocation: "Offsite Storage"}
	inst := &model.Institution{Code: "gt", Class: model.ClassIZ}

	outcome, err := p.Evaluate(context.Background(), item, inst)
	require.NoError(t, err)
	assert.Equal(t, model.NoRowOrTrayDuplicate, outcome.Classification)
}

func TestIZProcessor_Evaluate_OutOfScopeIsNoAction(t *testing.T) {
	staging := &fakeStaging{}
	p := newIZ(t, staging)

	item := &model.ItemRecord{Barcode: "420004", HoldingLocation: "General Stacks"}
	inst := &model.Institution{Code: "gt", Class: model.ClassIZ}

	outcome, err := p.Evaluate(context.Background(), item, inst)
	require.NoError(t, err)
	assert.Equal(t, model.NoActionNeeded, outcome.Classification)
	assert.Zero(t, staging.calls)
}
