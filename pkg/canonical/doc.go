// Package canonical normalizes raw audit log rows into CanonicalChanges.
//
// The JSON shape of a row depends on its action: INSERT and DELETE carry one
// flat row image, UPDATE carries {"old": {...}, "new": {...}}. Decode
// branches on the action exactly once and returns a types.Delta; nothing
// downstream looks at the raw JSON again.
//
// Rows that cannot be normalized come back as a *DiscardError with a Reason
// that the pipeline counts per run.
package canonical
