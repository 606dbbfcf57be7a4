// Package medsync holds the domain model shared by the report synchronizer:
// backend report records, ledger records, the merged view built from both,
// the cache key scheme and the error taxonomy surfaced to the UI.
package medsync

import (
	"strings"
	"time"
)

// Storage values a backend report may carry in its "type" field.
const (
	StorageWeb2 = "web2"
	StorageWeb3 = "web3"
)

// MedicineListFileName marks a ledger file holding the prescribed medicines.
const MedicineListFileName = "Medicine List"

// Report is a backend report as listed by GET /reports.
type Report struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	ReportType   string    `json:"report_type,omitempty"`
	Storage      string    `json:"storage,omitempty"`
	HospitalName string    `json:"hospital_name,omitempty"`
	DoctorName   string    `json:"doctor_name,omitempty"`
	Department   string    `json:"department,omitempty"`
	IPFSHash     string    `json:"ipfs_hash,omitempty"`
	FileCount    int       `json:"file_count,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// IsLedgerBacked reports whether the report's files live on the ledger.
func (r Report) IsLedgerBacked() bool {
	return r.Storage == StorageWeb3
}

// ReportList is the primary payload of the report list view.
type ReportList struct {
	Web2Reports []Report `json:"web2_reports"`
	Web3Reports []Report `json:"web3_reports"`
	UserID      string   `json:"user_id,omitempty"`
}

// Owner identifies the patient a report belongs to.
type Owner struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Vitals recorded with a report.
type Vitals struct {
	BloodPressure    string `json:"blood_pressure,omitempty"`
	HeartRate        string `json:"heart_rate,omitempty"`
	Temperature      string `json:"temperature,omitempty"`
	Weight           string `json:"weight,omitempty"`
	Height           string `json:"height,omitempty"`
	BMI              string `json:"bmi,omitempty"`
	OxygenSaturation string `json:"oxygen_saturation,omitempty"`
}

// Medicine is a prescribed medicine on a report.
type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// FileRef is a file attached to a backend report.
type FileRef struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	IPFSHash string `json:"ipfs_hash,omitempty"`
}

// ReportDetail is the primary payload of the report detail view.
type ReportDetail struct {
	Report
	UserID            string     `json:"user_id,omitempty"`
	Owner             Owner      `json:"owner"`
	PatientName       string     `json:"patient_name,omitempty"`
	AgeAtReport       int        `json:"age_at_report,omitempty"`
	ReasonOfCheckup   string     `json:"reason_of_checkup,omitempty"`
	DiagnosisSummary  string     `json:"diagnosis_summary,omitempty"`
	Prescription      string     `json:"prescription,omitempty"`
	Vitals            Vitals     `json:"vitals"`
	Medicines         []Medicine `json:"medicines,omitempty"`
	ReportFiles       []FileRef  `json:"report_files,omitempty"`
	MedicineListFiles []FileRef  `json:"medicine_list_files,omitempty"`
	BlockchainTxHash  string     `json:"blockchain_tx_hash,omitempty"`
}

// OwnerID returns the user the report belongs to.
func (d ReportDetail) OwnerID() string {
	if d.UserID != "" {
		return d.UserID
	}
	return d.Owner.ID
}

// MedicationSummary is one AI-generated entry for a prescribed medicine.
type MedicationSummary struct {
	MedicineName  string `json:"medicine_name"`
	Quantity      string `json:"quantity,omitempty"`
	WhyGiven      string `json:"why_given,omitempty"`
	Uses          string `json:"uses,omitempty"`
	BestWayToTake string `json:"best_way_to_take,omitempty"`
	Benefits      string `json:"benefits,omitempty"`
	SideEffects   string `json:"side_effects,omitempty"`
	Precautions   string `json:"precautions,omitempty"`
	AnyOtherInfo  string `json:"any_other_info,omitempty"`
	HindiSummary  string `json:"hindi_summary,omitempty"`
}

// FileRecord is a file registered on the ledger for a report.
type FileRecord struct {
	IPFSHash string `json:"ipfs_hash"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// LedgerRecord is a report registered on the ledger.
type LedgerRecord struct {
	IPFSHash  string `json:"ipfs_hash"`
	ReportID  string `json:"report_id"`
	Timestamp int64  `json:"timestamp"`
	FileCount int    `json:"file_count"`
}

// MergedRecord joins a ledger record with primary metadata on the report id.
// Ledger owns existence and IPFSHash; every other field prefers the primary
// value when one is present.
type MergedRecord struct {
	ReportID  string    `json:"report_id"`
	IPFSHash  string    `json:"ipfs_hash"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	FileCount int       `json:"file_count,omitempty"`

	FileName       string `json:"file_name,omitempty"`
	FileType       string `json:"file_type,omitempty"`
	GatewayURL     string `json:"gateway_url,omitempty"`
	FallbackURL    string `json:"fallback_url,omitempty"`
	IsMedicineFile bool   `json:"is_medicine_file,omitempty"`

	// Primary fields, empty when no primary record matched.
	Matched      bool   `json:"matched"`
	Title        string `json:"title,omitempty"`
	ReportType   string `json:"report_type,omitempty"`
	HospitalName string `json:"hospital_name,omitempty"`
	DoctorName   string `json:"doctor_name,omitempty"`
}

// ApprovalState is the state of an emergency access request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// ApprovalStatus is the backend answer to an emergency access check.
type ApprovalStatus struct {
	State      ApprovalState `json:"status"`
	PatientID  string        `json:"patient_id,omitempty"`
	RejectedBy string        `json:"rejected_by,omitempty"`
}

// Done reports whether polling can stop.
func (s ApprovalStatus) Done() bool {
	return s.State == ApprovalApproved || s.State == ApprovalRejected
}

// CleanIPFSHash strips an ipfs:// scheme from a content hash.
func CleanIPFSHash(hash string) string {
	return strings.TrimPrefix(strings.TrimSpace(hash), "ipfs://")
}
