// Package dms is the client for the remote data-management system.
//
// All wire access goes through an ordered list of transports: the v2 JSON
// API first, then the legacy form endpoint when one is configured. A
// transport failure (network, timeout, 5xx) moves to the next transport;
// definitive answers (conflict, auth rejection, validation) surface
// immediately. When every transport fails the caller receives a
// FallbackError listing each attempt.
//
// Response payloads differ between endpoint generations; normalize.go is
// the only place that knows the variants and maps them all onto LookupRow
// and UploadResult. Conflict detection is typed on the HTTP status, never
// inferred from message text.
package dms
