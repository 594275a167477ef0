// Package sefaz implements the state tax authority protocol: the status
// code classifier and the signed-XML wire client for the five operations.
package sefaz

import (
	"fmt"

	domainerrors "fisco/pkg/domain-errors"
)

// Outcome is the classification of an authority status code. Nothing above
// this package compares raw cStat values; all retry and lifecycle decisions
// are driven by the Outcome alone.
type Outcome string

const (
	// OutcomeSuccess means the operation reached its intended final effect.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeTransient means a retry with the same payload may succeed later.
	OutcomeTransient Outcome = "TRANSIENT"
	// OutcomeTerminalReject means retrying the same payload will not change
	// the result.
	OutcomeTerminalReject Outcome = "TERMINAL_REJECT"
	// OutcomeDuplicate means the authority saw this document before. A prior
	// attempt may have already succeeded; reconcile via a status query
	// before treating it as a failure.
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// Authority status codes referenced by name elsewhere in the engine.
const (
	CodeAuthorized              = 100
	CodeCancellationHomologed   = 101
	CodeVoidRangeHomologed      = 102
	CodeBatchReceived           = 103
	CodeBatchProcessed          = 104
	CodeBatchInProcessing       = 105
	CodeServiceOperating        = 107
	CodeServicePausedShortly    = 108
	CodeServicePausedNoForecast = 109
	CodeUseDenied               = 110
	CodeEventBatchProcessed     = 128
	CodeEventRegistered         = 135
	CodeEventRegisteredUnbound  = 136
	CodeAuthorizedLate          = 150
	CodeDuplicateDocument       = 204
	CodeSchemaFailure           = 215
	CodeDocumentNotFound        = 217
	CodeSchemaVersionRejected   = 225
	CodeIssuerIrregular         = 301
	CodeRecipientIrregular      = 302
	CodeCancelDeadlineExceeded  = 501
	CodeDuplicateOffKey         = 539
	CodeDuplicateEvent          = 573
)

// statusTable is the exhaustive classification table. Every code the
// protocol can return must appear here; an unmapped code fails loudly
// rather than defaulting to success or failure.
var statusTable = map[int]Outcome{
	CodeAuthorized:             OutcomeSuccess,
	CodeCancellationHomologed:  OutcomeSuccess,
	CodeVoidRangeHomologed:     OutcomeSuccess,
	CodeBatchProcessed:         OutcomeSuccess,
	CodeServiceOperating:       OutcomeSuccess,
	CodeEventBatchProcessed:    OutcomeSuccess,
	CodeEventRegistered:        OutcomeSuccess,
	CodeEventRegisteredUnbound: OutcomeSuccess,
	CodeAuthorizedLate:         OutcomeSuccess,

	CodeBatchReceived:           OutcomeTransient,
	CodeBatchInProcessing:       OutcomeTransient,
	CodeServicePausedShortly:    OutcomeTransient,
	CodeServicePausedNoForecast: OutcomeTransient,

	CodeDuplicateDocument: OutcomeDuplicate,
	CodeDuplicateOffKey:   OutcomeDuplicate,
	CodeDuplicateEvent:    OutcomeDuplicate,

	CodeUseDenied:              OutcomeTerminalReject,
	CodeSchemaFailure:          OutcomeTerminalReject,
	CodeDocumentNotFound:       OutcomeTerminalReject,
	CodeSchemaVersionRejected:  OutcomeTerminalReject,
	CodeIssuerIrregular:        OutcomeTerminalReject,
	CodeRecipientIrregular:     OutcomeTerminalReject,
	CodeCancelDeadlineExceeded: OutcomeTerminalReject,
}

// cancellationCodes are the success codes that acknowledge the cancellation
// event itself. A status-query success such as 100 reports on the document,
// not the event: the document is still authorized.
var cancellationCodes = map[int]bool{
	CodeCancellationHomologed:  true,
	CodeEventRegistered:        true,
	CodeEventRegisteredUnbound: true,
}

// ConfirmsCancellation reports whether this response acknowledges a
// registered cancellation. Callers resolving a pending cancellation must use
// this rather than the bare Outcome, so a document that the authority still
// reports as authorized is never mistaken for a cancelled one.
func (r *Response) ConfirmsCancellation() bool {
	return r.Outcome == OutcomeSuccess && cancellationCodes[r.Code]
}

// Classify maps a status code to its outcome class. Unknown codes return an
// unknown_status_code error; processing of that response must halt rather
// than assume an outcome class.
func Classify(code int) (Outcome, error) {
	outcome, ok := statusTable[code]
	if !ok {
		return "", domainerrors.New(
			domainerrors.CodeUnknownStatusCode,
			fmt.Sprintf("status code %d is not in the classification table", code),
		)
	}
	return outcome, nil
}
