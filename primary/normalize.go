package primary

import (
	"strconv"
	"strings"
	"time"

	"github.com/medlink/medsync"
	"github.com/tidwall/gjson"
)

// The backend is a document store and older records carry different field
// names for the same value. Each lookup below lists the names in the order
// they are preferred.

func str(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(v.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

func parseReportList(doc gjson.Result) medsync.ReportList {
	list := medsync.ReportList{
		Web2Reports: []medsync.Report{},
		Web3Reports: []medsync.Report{},
		UserID:      str(doc, "userId"),
	}
	for _, r := range doc.Get("web2Reports").Array() {
		list.Web2Reports = append(list.Web2Reports, parseReport(r, medsync.StorageWeb2))
	}
	for _, r := range doc.Get("web3Reports").Array() {
		list.Web3Reports = append(list.Web3Reports, parseReport(r, medsync.StorageWeb3))
	}
	return list
}

// parseReport reads the fields shared by list entries and detail records.
// storage is used when the record does not say where its files live.
func parseReport(v gjson.Result, storage string) medsync.Report {
	r := medsync.Report{
		ID:           str(v, "_id", "id", "reportId"),
		Title:        str(v, "title", "reportTitle"),
		ReportType:   str(v, "reportType"),
		Storage:      storage,
		HospitalName: str(v, "hospitalName", "hospital"),
		DoctorName:   str(v, "doctorName", "doctor"),
		Department:   str(v, "department"),
		IPFSHash:     medsync.CleanIPFSHash(str(v, "ipfsHash")),
		FileCount:    int(v.Get("fileCount").Int()),
		CreatedAt:    parseTime(v, "createdAt", "dateOfReport", "timestamp"),
	}
	switch t := str(v, "type"); t {
	case medsync.StorageWeb2, medsync.StorageWeb3:
		r.Storage = t
	case "":
	default:
		if r.ReportType == "" {
			r.ReportType = t
		}
	}
	return r
}

func parseReportDetail(doc gjson.Result) medsync.ReportDetail {
	v := doc.Get("report")
	d := medsync.ReportDetail{
		Report:           parseReport(v, ""),
		PatientName:      str(v, "patientName"),
		AgeAtReport:      int(v.Get("ageAtReport").Int()),
		ReasonOfCheckup:  str(v, "reasonOfCheckup"),
		DiagnosisSummary: str(v, "diagnosisSummary"),
		Prescription:     str(v, "prescription"),
		BlockchainTxHash: str(v, "blockchainTxHash"),
		Vitals: medsync.Vitals{
			BloodPressure:    str(v, "vitals.bloodPressure"),
			HeartRate:        str(v, "vitals.heartRate"),
			Temperature:      str(v, "vitals.temperature"),
			Weight:           str(v, "vitals.weight"),
			Height:           str(v, "vitals.height"),
			BMI:              str(v, "vitals.bmi"),
			OxygenSaturation: str(v, "vitals.oxygenSaturation"),
		},
	}
	if d.Storage == "" {
		d.Storage = medsync.StorageWeb2
	}

	owner := v.Get("owner")
	if owner.IsObject() {
		d.Owner = medsync.Owner{
			ID:            str(owner, "_id", "id"),
			Name:          str(owner, "name"),
			Email:         str(owner, "email"),
			WalletAddress: str(owner, "walletAddress"),
		}
	} else {
		d.Owner.ID = strings.TrimSpace(owner.String())
	}
	d.UserID = str(doc, "userId")
	if d.UserID == "" {
		d.UserID = str(v, "userId")
	}

	for _, m := range v.Get("medicines").Array() {
		d.Medicines = append(d.Medicines, medsync.Medicine{
			Name:      str(m, "name", "medicineName"),
			Dosage:    str(m, "dosage"),
			Frequency: str(m, "frequency"),
			Duration:  str(m, "duration"),
		})
	}
	d.ReportFiles = parseFiles(v.Get("reportFiles"))
	d.MedicineListFiles = parseFiles(v.Get("medicineListFiles"))
	return d
}

func parseFiles(v gjson.Result) []medsync.FileRef {
	var files []medsync.FileRef
	for _, f := range v.Array() {
		files = append(files, medsync.FileRef{
			Name:     str(f, "fileName", "name"),
			Type:     str(f, "fileType", "type"),
			URL:      str(f, "fileUrl", "url", "ipfsUrl"),
			IPFSHash: medsync.CleanIPFSHash(str(f, "ipfsHash")),
		})
	}
	return files
}

func parseSummary(doc gjson.Result) []medsync.MedicationSummary {
	out := []medsync.MedicationSummary{}
	for _, s := range doc.Get("summary").Array() {
		out = append(out, medsync.MedicationSummary{
			MedicineName:  str(s, "medicineName", "name"),
			Quantity:      str(s, "quantity"),
			WhyGiven:      str(s, "whyGiven"),
			Uses:          str(s, "uses"),
			BestWayToTake: str(s, "bestWayToTake"),
			Benefits:      str(s, "benefits"),
			SideEffects:   str(s, "sideEffects"),
			Precautions:   str(s, "precautions"),
			AnyOtherInfo:  str(s, "anyOtherInfo"),
			HindiSummary:  str(s, "hindiSummary"),
		})
	}
	return out
}

func parseApproval(doc gjson.Result) medsync.ApprovalStatus {
	st := medsync.ApprovalStatus{
		State:      medsync.ApprovalState(strings.ToLower(str(doc, "status"))),
		PatientID:  str(doc, "patientId"),
		RejectedBy: str(doc, "rejectedBy"),
	}
	if st.State == "" {
		st.State = medsync.ApprovalPending
	}
	return st
}

// parseTime accepts RFC 3339 strings, plain dates and epoch numbers in
// seconds or milliseconds.
func parseTime(v gjson.Result, paths ...string) time.Time {
	for _, p := range paths {
		f := v.Get(p)
		if !f.Exists() {
			continue
		}
		if f.Type == gjson.Number {
			return epoch(f.Int())
		}
		s := strings.TrimSpace(f.String())
		if s == "" {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epoch(n)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

func epoch(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
