// Package model defines the core data types flowing through the processing
// pipeline: inbound work items, institutions, fetched item records, and the
// processing outcomes routed to the result sinks.
package model

import (
	"encoding/json"
)

// ProcessType identifies which processing variant a work item requests.
type ProcessType string

const (
	// ProcessTypeSCF requests the Shared Collection Facility rule set.
	ProcessTypeSCF ProcessType = "SCF"

	// ProcessTypeIZ requests the Institution Zone rule set.
	ProcessTypeIZ ProcessType = "IZ"
)

// Valid reports whether the process type is one of the known variants.
func (p ProcessType) Valid() bool {
	return p == ProcessTypeSCF || p == ProcessTypeIZ
}

// InstitutionClass identifies the rule set an institution is configured for.
// It must agree with the process type of every work item targeting the
// institution; a disagreement is a configuration error, never coerced.
type InstitutionClass string

const (
	ClassSCF InstitutionClass = "SCF"
	ClassIZ  InstitutionClass = "IZ"
)

// Matches reports whether a work item's process type selects this class.
func (c InstitutionClass) Matches(p ProcessType) bool {
	return string(c) == string(p)
}

// Classification is the terminal disposition of one processed item.
type Classification string

const (
	// NoActionNeeded means the item passed every check.
	NoActionNeeded Classification = "NoActionNeeded"

	// NoRowTray means the item is missing both row and tray data and was
	// staged for report aggregation.
	NoRowTray Classification = "NoRowTray"

	// NoRowOrTrayDuplicate means the item is missing row/tray data but a
	// staged entry for the same barcode already exists.
	NoRowOrTrayDuplicate Classification = "NoRowOrTrayDuplicate"

	// WithdrawnNoAction means the item is flagged withdrawn; recorded for
	// information only, no corrective write is made.
	WithdrawnNoAction Classification = "WithdrawnNoAction"

	// ProvenanceIssue means a provenance note matched a configured
	// exclusion pattern and an automatic correction was produced.
	ProvenanceIssue Classification = "ProvenanceIssue"

	// Updated means corrected fields were produced for an API update.
	Updated Classification = "Updated"
)

// Institution holds the credential and behavior of one member institution.
// Directory entries are read-only from the processing core's perspective;
// mutation happens only through an external administrative path.
type Institution struct {
	ID     uint
	Code   string
	Name   string
	APIKey string
	Class  InstitutionClass

	// Flags carries institution-specific behavioral toggles.
	Flags map[string]bool

	// DuplicateReportPath is the analytics path used by the SCF duplicates
	// report; empty for institutions without one.
	DuplicateReportPath string
}

// ItemRecord is one item as fetched from the bibliographic API. Records are
// fetched fresh per work item and never cached across invocations.
type ItemRecord struct {
	Barcode         string          `json:"barcode"`
	HoldingLocation string          `json:"holding_location"`
	TempLocation    string          `json:"temp_location,omitempty"`
	CallNumber      string          `json:"call_number"`
	ProvenanceNotes []string        `json:"provenance_notes"`
	Row             string          `json:"row,omitempty"`
	Tray            string          `json:"tray,omitempty"`
	WithdrawalFlag  bool            `json:"withdrawal_flag"`
	Raw             json.RawMessage `json:"-"`
}

// ProcessingOutcome is produced exactly once per successfully fetched item
// and is immutable after emission.
type ProcessingOutcome struct {
	Classification  Classification    `json:"classification"`
	JobID           string            `json:"job_id"`
	Barcode         string            `json:"barcode"`
	InstitutionCode string            `json:"institution_code"`
	ProcessType     ProcessType       `json:"process_type"`
	Item            *ItemRecord       `json:"item,omitempty"`
	CorrectedFields map[string]string `json:"corrected_fields,omitempty"`
	Notes           []string          `json:"notes,omitempty"`
}

// Notification is the outbound queue message consumed by the downstream
// notifier and update services.
type Notification struct {
	JobID           string            `json:"job_id"`
	Barcode         string            `json:"barcode"`
	InstitutionCode string            `json:"institution_code"`
	Classification  Classification    `json:"classification"`
	CorrectedFields map[string]string `json:"corrected_fields,omitempty"`
}
