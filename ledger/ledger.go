// Package ledger reads report and file records from the medical records
// smart contract. Ledger data is never cached; every failure surfaces as
// LEDGER_UNAVAILABLE so callers can scope it to the ledger section.
package ledger

import (
	"context"

	"github.com/medlink/medsync"
)

// Reader is the read interface of the records contract.
type Reader interface {
	// GetReports enumerates the reports registered for userID starting at
	// offset.
	GetReports(ctx context.Context, userID string, offset uint64) ([]medsync.LedgerRecord, error)

	// GetReportFiles lists the files registered for one report.
	GetReportFiles(ctx context.Context, userID, reportID string) ([]medsync.FileRecord, error)
}

// Unavailable is a Reader that always fails. It stands in when no RPC
// endpoint is configured.
type Unavailable struct{}

func (Unavailable) GetReports(context.Context, string, uint64) ([]medsync.LedgerRecord, error) {
	return nil, medsync.NewError(medsync.CodeLedgerUnavailable, "ledger.getReports", ErrNotConfigured)
}

func (Unavailable) GetReportFiles(context.Context, string, string) ([]medsync.FileRecord, error) {
	return nil, medsync.NewError(medsync.CodeLedgerUnavailable, "ledger.getReportFiles", ErrNotConfigured)
}

var (
	_ Reader = Unavailable{}
	_ Reader = (*Contract)(nil)
)
