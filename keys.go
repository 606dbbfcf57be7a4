package medsync

import (
	"fmt"
	"strings"
)

// Kind names the kind of entity a cache entry holds.
type Kind string

const (
	KindReportList    Kind = "reports"
	KindReportDetail  Kind = "report_detail"
	KindReportSummary Kind = "report_summary"
)

// SelfScope is the entity id of the signed-in user's own report list.
const SelfScope = "me"

// Key returns the cache key for an entity: {kind}_{id}.
func Key(kind Kind, id string) string {
	return fmt.Sprintf("%s_%s", kind, id)
}

// ParseKey splits a cache key into its kind and id. Kinds are matched
// longest first because they share the "report" prefix.
func ParseKey(key string) (Kind, string, bool) {
	for _, kind := range []Kind{KindReportSummary, KindReportDetail, KindReportList} {
		prefix := string(kind) + "_"
		if id, ok := strings.CutPrefix(key, prefix); ok && id != "" {
			return kind, id, true
		}
	}
	return "", "", false
}
