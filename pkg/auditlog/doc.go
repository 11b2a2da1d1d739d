// Package auditlog reads the reservation system's audit log and outbound
// dispatch queue. Both tables are owned by the reservation system and are
// only ever read here.
//
// Components depend on the narrow ChangeSource, CorrelationSource and
// DispatchSource interfaces. PostgresLog implements them over a pgx pool,
// MemoryLog over a JSON fixture with identical window and LIKE semantics,
// and Meter wraps either to measure the read cost of a single run.
//
// Audit log tables follow the <entity>_<hotel_id> naming convention, so
// reservations_25 holds hotel 25's reservations and reservation_details_25
// the per-night rows that cascade from them.
package auditlog
