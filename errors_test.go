package medsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("loading report: %w", NewError(CodeNetworkTimeout, "fetch report_detail_R1", errors.New("deadline")))

	require.ErrorIs(t, err, ErrNetworkTimeout)
	require.NotErrorIs(t, err, ErrUpstream5xx)
	require.Equal(t, CodeNetworkTimeout, CodeOf(err))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Code: CodeUpstream4xx, Op: "get report", Status: 401, Err: errors.New("unauthorized")}
	require.Equal(t, "get report: UPSTREAM_4XX (status 401): unauthorized", err.Error())
}

func TestClassificationHelpers(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		reauth    bool
		scoped    bool
	}{
		{CodeNetworkTimeout, true, false, false},
		{CodeUpstream5xx, true, false, false},
		{CodeUpstream4xx, false, true, false},
		{CodeLedgerUnavailable, false, false, true},
		{CodeNoCacheAvailable, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "op", nil)
			require.Equal(t, tt.retryable, Retryable(err))
			require.Equal(t, tt.reauth, NeedsReauth(err))
			require.Equal(t, tt.scoped, Scoped(err))
		})
	}
}

func TestCodeOfUnclassified(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(nil))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
