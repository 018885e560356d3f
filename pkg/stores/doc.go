// Package stores provides the persistence layer of the broker.
//
// SQLiteStore keeps orders, resources, the per-resource transition log, the
// usage ledger and quota counters in a single SQLite database (WAL mode,
// immediate transactions). Every state change of a resource is written as a
// log entry in the same transaction as the compare-and-set on the resource
// row, so a crash can never leave a side effect without a record of intent.
//
// The transition log and the usage ledger are append-only; triggers reject
// deletes and in-place edits of usage lines. Quota usage moves only through
// ApplyUsage or through reservations written alongside a transition.
//
// SQLiteLeaser hands out per-resource leases from the same database.
package stores
