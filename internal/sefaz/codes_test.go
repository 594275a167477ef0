package sefaz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "fisco/pkg/domain-errors"
)

func TestClassifyKnownCodes(t *testing.T) {
	tests := []struct {
		code    int
		outcome Outcome
	}{
		{CodeAuthorized, OutcomeSuccess},
		{CodeCancellationHomologed, OutcomeSuccess},
		{CodeVoidRangeHomologed, OutcomeSuccess},
		{CodeBatchProcessed, OutcomeSuccess},
		{CodeServiceOperating, OutcomeSuccess},
		{CodeEventRegistered, OutcomeSuccess},
		{CodeAuthorizedLate, OutcomeSuccess},

		{CodeBatchReceived, OutcomeTransient},
		{CodeBatchInProcessing, OutcomeTransient},
		{CodeServicePausedShortly, OutcomeTransient},
		{CodeServicePausedNoForecast, OutcomeTransient},

		{CodeDuplicateDocument, OutcomeDuplicate},
		{CodeDuplicateOffKey, OutcomeDuplicate},
		{CodeDuplicateEvent, OutcomeDuplicate},

		{CodeUseDenied, OutcomeTerminalReject},
		{CodeSchemaFailure, OutcomeTerminalReject},
		{CodeDocumentNotFound, OutcomeTerminalReject},
		{CodeIssuerIrregular, OutcomeTerminalReject},
		{CodeCancelDeadlineExceeded, OutcomeTerminalReject},
	}

	for _, tc := range tests {
		outcome, err := Classify(tc.code)
		require.NoError(t, err, "code %d", tc.code)
		assert.Equal(t, tc.outcome, outcome, "code %d", tc.code)
	}
}

func TestClassifyUnknownCodeFailsLoudly(t *testing.T) {
	for _, code := range []int{0, -1, 999, 42} {
		_, err := Classify(code)
		require.Error(t, err, "code %d", code)
		assert.True(t, domainerrors.HasCode(err, domainerrors.CodeUnknownStatusCode))
	}
}

func TestConfirmsCancellationOnlyOnEventCodes(t *testing.T) {
	confirms := map[int]bool{
		CodeCancellationHomologed:  true,
		CodeEventRegistered:        true,
		CodeEventRegisteredUnbound: true,

		// Document-status successes: the document is still authorized.
		CodeAuthorized:       false,
		CodeAuthorizedLate:   false,
		CodeBatchProcessed:   false,
		CodeServiceOperating: false,
	}
	for code, want := range confirms {
		outcome, err := Classify(code)
		require.NoError(t, err, "code %d", code)
		resp := &Response{Code: code, Outcome: outcome}
		assert.Equal(t, want, resp.ConfirmsCancellation(), "code %d", code)
	}

	denied := &Response{Code: CodeCancelDeadlineExceeded, Outcome: OutcomeTerminalReject}
	assert.False(t, denied.ConfirmsCancellation())
}

func TestStatusTableIsExhaustiveOverNamedCodes(t *testing.T) {
	named := []int{
		CodeAuthorized, CodeCancellationHomologed, CodeVoidRangeHomologed,
		CodeBatchReceived, CodeBatchProcessed, CodeBatchInProcessing,
		CodeServiceOperating, CodeServicePausedShortly, CodeServicePausedNoForecast,
		CodeUseDenied, CodeEventBatchProcessed, CodeEventRegistered,
		CodeEventRegisteredUnbound, CodeAuthorizedLate, CodeDuplicateDocument,
		CodeSchemaFailure, CodeDocumentNotFound, CodeSchemaVersionRejected,
		CodeIssuerIrregular, CodeRecipientIrregular, CodeCancelDeadlineExceeded,
		CodeDuplicateOffKey, CodeDuplicateEvent,
	}
	for _, code := range named {
		_, err := Classify(code)
		assert.NoError(t, err, "named code %d must be classified", code)
	}
}
