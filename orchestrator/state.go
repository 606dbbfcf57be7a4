package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/medlink/medsync"
)

// Phase is the position of a view in the sync state machine.
type Phase string

const (
	PhaseInit                  Phase = "INIT"
	PhaseCacheLoaded           Phase = "CACHE_LOADED"
	PhaseCacheEmpty            Phase = "CACHE_EMPTY"
	PhaseServingCache          Phase = "SERVING_CACHE"
	PhaseFetching              Phase = "FETCHING"
	PhaseServingFresh          Phase = "SERVING_FRESH"
	PhaseServingCacheWithError Phase = "SERVING_CACHE_WITH_ERROR"
	PhaseError                 Phase = "ERROR"
)

// Source says where the data in a State came from.
type Source string

const (
	SourceNone    Source = ""
	SourceCache   Source = "CACHE"
	SourceNetwork Source = "NETWORK"
	SourceMerged  Source = "MERGED"
)

// Notices shown next to data without replacing it.
const (
	NoticeOfflineRefresh = "cannot refresh while offline"
	NoticeRefreshTimeout = "showing cached data, refresh timed out"
	NoticeRefreshFailed  = "showing cached data, refresh failed"
	NoticeLedgerOffline  = "blockchain data requires internet"
)

// LedgerState is the ledger section of a view. Its failures never affect
// the primary data.
type LedgerState struct {
	Loading   bool
	Err       error
	FetchedAt time.Time
}

// State is what a view exposes to the UI.
type State[T any] struct {
	ViewID       string
	Kind         medsync.Kind
	Key          string
	Phase        Phase
	Data         *T
	Source       Source
	Loading      bool
	Err          error
	IsOffline    bool
	LastSyncedAt time.Time
	Notice       string
	Ledger       LedgerState
	Merged       []medsync.MergedRecord
}

// HasData reports whether the view has something to show.
func (s State[T]) HasData() bool {
	return s.Data != nil
}

// ErrorInfo is the serialized form of a classified error.
type ErrorInfo struct {
	Code      medsync.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Reauth    bool         `json:"reauth,omitempty"`
}

// NewErrorInfo describes err, or returns nil for a nil error.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{
		Code:      medsync.CodeOf(err),
		Message:   err.Error(),
		Retryable: medsync.Retryable(err),
		Reauth:    medsync.NeedsReauth(err),
	}
}

type ledgerJSON struct {
	Loading   bool       `json:"loading"`
	Error     *ErrorInfo `json:"error,omitempty"`
	FetchedAt time.Time  `json:"fetched_at,omitzero"`
}

type stateJSON[T any] struct {
	ViewID       string                 `json:"view_id"`
	Kind         medsync.Kind           `json:"kind"`
	Key          string                 `json:"cache_key"`
	Phase        Phase                  `json:"phase"`
	Data         *T                     `json:"data"`
	Source       Source                 `json:"source,omitempty"`
	Loading      bool                   `json:"loading"`
	Error        *ErrorInfo             `json:"error,omitempty"`
	IsOffline    bool                   `json:"is_offline"`
	LastSyncedAt time.Time              `json:"last_synced_at,omitzero"`
	Notice       string                 `json:"notice,omitempty"`
	Ledger       ledgerJSON             `json:"ledger"`
	Merged       []medsync.MergedRecord `json:"merged,omitempty"`
}

// MarshalJSON renders errors as ErrorInfo.
func (s State[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON[T]{
		ViewID:       s.ViewID,
		Kind:         s.Kind,
		Key:          s.Key,
		Phase:        s.Phase,
		Data:         s.Data,
		Source:       s.Source,
		Loading:      s.Loading,
		Error:        NewErrorInfo(s.Err),
		IsOffline:    s.IsOffline,
		LastSyncedAt: s.LastSyncedAt,
		Notice:       s.Notice,
		Ledger: ledgerJSON{
			Loading:   s.Ledger.Loading,
			Error:     NewErrorInfo(s.Ledger.Err),
			FetchedAt: s.Ledger.FetchedAt,
		},
		Merged: s.Merged,
	})
}
