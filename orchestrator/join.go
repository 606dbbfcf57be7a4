package orchestrator

import (
	"fmt"
	"time"

	"github.com/medlink/medsync"
	"github.com/medlink/medsync/ledger"
)

// JoinReports builds the ledger section of the report list. On-chain records
// enumerate the section; the primary web3 entry with the same report id
// fills in descriptive metadata. Primary entries without an on-chain record
// are not included.
func JoinReports(list *medsync.ReportList, records []medsync.LedgerRecord, gw ledger.Gateways) []medsync.MergedRecord {
	byID := make(map[string]medsync.Report)
	if list != nil {
		for _, r := range list.Web3Reports {
			byID[r.ID] = r
		}
	}

	merged := make([]medsync.MergedRecord, 0, len(records))
	for _, rec := range records {
		hash := ledger.CleanHash(rec.IPFSHash)
		m := medsync.MergedRecord{
			ReportID:    rec.ReportID,
			IPFSHash:    hash,
			FileCount:   rec.FileCount,
			GatewayURL:  gw.GatewayURL(hash),
			FallbackURL: gw.FallbackURL(hash),
		}
		if rec.Timestamp > 0 {
			m.Timestamp = time.Unix(rec.Timestamp, 0).UTC()
		}
		if r, ok := byID[rec.ReportID]; ok {
			m.Matched = true
			m.Title = r.Title
			m.ReportType = r.ReportType
			m.HospitalName = r.HospitalName
			m.DoctorName = r.DoctorName
			if m.Timestamp.IsZero() {
				m.Timestamp = r.CreatedAt
			}
		}
		merged = append(merged, m)
	}
	return merged
}

// JoinFiles builds the file list of a ledger-backed report. Each on-chain
// file is matched with the primary file carrying the same content hash; the
// primary name and type win when present.
func JoinFiles(detail *medsync.ReportDetail, files []medsync.FileRecord, gw ledger.Gateways) []medsync.MergedRecord {
	type primaryFile struct {
		ref      medsync.FileRef
		medicine bool
	}
	byHash := make(map[string]primaryFile)
	if detail != nil {
		for _, f := range detail.ReportFiles {
			if h := ledger.CleanHash(f.IPFSHash); h != "" {
				byHash[h] = primaryFile{ref: f}
			}
		}
		for _, f := range detail.MedicineListFiles {
			if h := ledger.CleanHash(f.IPFSHash); h != "" {
				byHash[h] = primaryFile{ref: f, medicine: true}
			}
		}
	}

	merged := make([]medsync.MergedRecord, 0, len(files))
	for i, f := range files {
		hash := ledger.CleanHash(f.IPFSHash)
		m := medsync.MergedRecord{
			IPFSHash:       hash,
			FileName:       f.FileName,
			FileType:       f.FileType,
			GatewayURL:     gw.GatewayURL(hash),
			FallbackURL:    gw.FallbackURL(hash),
			IsMedicineFile: f.FileName == medsync.MedicineListFileName,
		}
		if detail != nil {
			m.ReportID = detail.ID
			m.Title = detail.Title
			m.ReportType = detail.ReportType
			m.HospitalName = detail.HospitalName
			m.DoctorName = detail.DoctorName
		}
		if p, ok := byHash[hash]; ok {
			m.Matched = true
			if p.ref.Name != "" {
				m.FileName = p.ref.Name
			}
			if p.ref.Type != "" {
				m.FileType = p.ref.Type
			}
			m.IsMedicineFile = m.IsMedicineFile || p.medicine
		}
		if m.FileName == "" {
			m.FileName = fmt.Sprintf("File %d", i+1)
		}
		if m.FileType == "" {
			m.FileType = "unknown"
		}
		merged = append(merged, m)
	}
	return merged
}
