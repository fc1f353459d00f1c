package model

import (
	"encoding/json"
	"fmt"
	"strings"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
)

// WorkItem is one unit of work constructed from an inbound queue message.
// It is immutable for the lifetime of a processing invocation.
type WorkItem struct {
	InstitutionCode string      `json:"institution_code"`
	Barcode         string      `json:"barcode"`
	ProcessType     ProcessType `json:"process_type"`
}

// ParseWorkItem decodes and validates an inbound queue message. Unparseable
// payloads and payloads missing required fields fail with
// errors.ErrMalformedMessage so the runner can dead-letter them without a
// processing attempt.
func ParseWorkItem(data []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return WorkItem{}, fmt.Errorf("%w: %v", sdkerrors.ErrMalformedMessage, err)
	}

	item.InstitutionCode = strings.TrimSpace(item.InstitutionCode)
	item.Barcode = strings.TrimSpace(item.Barcode)

	if item.InstitutionCode == "" {
		return WorkItem{}, fmt.Errorf("%w: missing institution_code", sdkerrors.ErrMalformedMessage)
	}
	if item.Barcode == "" {
		return WorkItem{}, fmt.Errorf("%w: missing barcode", sdkerrors.ErrMalformedMessage)
	}
	if !item.ProcessType.Valid() {
		return WorkItem{}, fmt.Errorf("%w: unknown process_type %q", sdkerrors.ErrMalformedMessage, item.ProcessType)
	}

	return item, nil
}
