// Package processor implements the institution-class-specific rule sets
// applied to fetched item records. Both variants (SCF and IZ) implement the
// same contract and share the normalization and matching utilities so that
// classification is consistent regardless of institution.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/shelfwise/itemchecks/pkg/model"
)

// Staging partitions, one per process. They key the idempotent upsert that
// makes duplicate queue deliveries of the same barcode converge.
const (
	SCFStagePartition = "scf_no_row_tray"
	IZStagePartition  = "iz_no_row_tray"
)

// Processor is the contract both institution variants implement.
type Processor interface {
	// Applies decides whether this item needs any action at all under the
	// institution's rules. Items that don't apply classify NoActionNeeded
	// without touching shared state.
	Applies(item *model.ItemRecord, inst *model.Institution) bool

	// Evaluate runs the institution-specific decision tree and produces
	// exactly one outcome for the item.
	Evaluate(ctx context.Context, item *model.ItemRecord, inst *model.Institution) (*model.ProcessingOutcome, error)
}

// StagingReader is the read side of the staging table, consulted during
// evaluation for duplicate detection.
type StagingReader interface {
	Exists(ctx context.Context, partition, barcode string) (bool, error)
}

// Rules is the immutable, config-driven rule set shared by both variants.
// It is loaded once per process lifetime and passed by reference.
type Rules struct {
	// ProvenanceExclusions are note patterns that flag a provenance issue.
	ProvenanceExclusions []string

	// SkipLocations are location codes excluded from processing.
	SkipLocations []string

	// CheckedIZLocations restricts IZ processing to designated locations.
	CheckedIZLocations []string
}

var caseFolder = cases.Fold()

// NormalizeField canonicalizes a field value for comparison: Unicode NFC,
// trimmed, with internal whitespace runs collapsed to single spaces.
func NormalizeField(s string) string {
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// foldEqual compares two values case-insensitively after normalization.
func foldEqual(a, b string) bool {
	return caseFolder.String(NormalizeField(a)) == caseFolder.String(NormalizeField(b))
}

// matchExclusion returns the first configured pattern the note matches, in
// pattern order. A note matches only when its normalized, case-folded form
// equals the pattern's; a pattern occurring inside a longer note does not
// match.
func matchExclusion(note string, patterns []string) (string, bool) {
	folded := caseFolder.String(NormalizeField(note))
	for _, p := range patterns {
		fp := caseFolder.String(NormalizeField(p))
		if fp == "" {
			continue
		}
		if folded == fp {
			return p, true
		}
	}
	return "", false
}

// inLocationList reports whether a location code appears in the configured
// list, compared case-insensitively.
func inLocationList(location string, list []string) bool {
	for _, l := range list {
		if foldEqual(location, l) {
			return true
		}
	}
	return false
}

// hasRowTray reports whether the item carries both row and tray data.
func hasRowTray(item *model.ItemRecord) bool {
	return NormalizeField(item.Row) != "" && NormalizeField(item.Tray) != ""
}

// newJobID builds an identifier of the form
// {institution}_{process}_{timestamp}_{short-uuid}, stable enough to key the
// corrected-record blob and the outbound queue messages for one outcome.
func newJobID(institutionCode, process string) string {
	timestamp := time.Now().UTC().Format("20060102150405")
	unique := uuid.NewString()[:8]
	return fmt.Sprintf("%s_%s_%s_%s", institutionCode, process, timestamp, unique)
}
