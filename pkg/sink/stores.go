// Package sink abstracts the downstream targets processing outcomes are
// routed to: the idempotent staging table, the report table, blob storage
// for corrected records, and the outbound notification queues.
package sink

import (
	"context"
	"time"
)

// StagedEntry is one row in a staging table, keyed by partition and barcode.
// Upserts on this key make duplicate queue deliveries converge to a single
// staged entry.
type StagedEntry struct {
	PartitionKey    string
	RowKey          string
	InstitutionCode string
	StagedAt        time.Time
}

// ReportEntry is one appended row in a report table.
type ReportEntry struct {
	PartitionKey    string
	RowKey          string
	JobID           string
	InstitutionCode string
	Classification  string
	Notes           string
	CreatedAt       time.Time
}

// StagingStore is the read-write staging table. All mutation is expressed as
// an idempotent upsert keyed by (partition, barcode) so the store stays
// correct under concurrent and duplicate delivery.
type StagingStore interface {
	Upsert(ctx context.Context, entry StagedEntry) error
	Exists(ctx context.Context, partition, barcode string) (bool, error)
	List(ctx context.Context, partition string) ([]StagedEntry, error)
	Delete(ctx context.Context, partition, barcode string) error
}

// ReportStore appends rows for later report compilation.
type ReportStore interface {
	Append(ctx context.Context, entry ReportEntry) error
}

// BlobStore persists corrected record payloads and generated reports.
type BlobStore interface {
	Upload(ctx context.Context, name string, data []byte, metadata map[string]string) (string, error)
}

// Publisher sends outbound queue messages for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}
