// Package metrics provides a lightweight Prometheus-compatible registry for
// the store engine. It deliberately avoids the prometheus/client_golang
// package so the library stays small with no additional dependencies.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Registry holds the store's counters. The zero value is ready to use.
type Registry struct {
	// Journal.
	Appends       atomic.Int64 // records appended
	AppendedBytes atomic.Int64 // payload bytes appended
	Rotations     atomic.Int64 // new journal files created
	Syncs         atomic.Int64 // journal fsyncs

	// Commit path.
	UnitsOfWork atomic.Int64 // units of work committed
	MapActions  atomic.Int64
	Enqueues    atomic.Int64
	Dequeues    atomic.Int64

	// Maintenance.
	Snapshots       atomic.Int64 // index snapshots taken
	GCDeleted       atomic.Int64 // journal files reclaimed
	Retries         atomic.Int64 // retried storage operations
	ReplayedRecords atomic.Int64 // records applied during recovery

	// Reads.
	MessagesLoaded atomic.Int64
	LoadMisses     atomic.Int64 // locator misses retried under a fresh snapshot
}

// Handler returns an http.Handler that renders every counter in the
// Prometheus plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, c := range []struct {
			name, help string
			val        int64
		}{
			{"store_journal_appends_total", "Records appended to the journal", r.Appends.Load()},
			{"store_journal_appended_bytes_total", "Payload bytes appended to the journal", r.AppendedBytes.Load()},
			{"store_journal_rotations_total", "Journal files created by rotation", r.Rotations.Load()},
			{"store_journal_syncs_total", "Journal fsync calls", r.Syncs.Load()},
			{"store_units_of_work_total", "Units of work committed", r.UnitsOfWork.Load()},
			{"store_map_actions_total", "Map upserts and deletes committed", r.MapActions.Load()},
			{"store_enqueues_total", "Queue entries added", r.Enqueues.Load()},
			{"store_dequeues_total", "Queue entries removed", r.Dequeues.Load()},
			{"store_snapshots_total", "Index snapshots taken", r.Snapshots.Load()},
			{"store_gc_deleted_files_total", "Journal files reclaimed by GC", r.GCDeleted.Load()},
			{"store_retries_total", "Storage operations retried after transient errors", r.Retries.Load()},
			{"store_replayed_records_total", "Journal records applied during recovery", r.ReplayedRecords.Load()},
			{"store_messages_loaded_total", "Message payloads served to readers", r.MessagesLoaded.Load()},
			{"store_load_misses_total", "Message loads retried under a fresh snapshot", r.LoadMisses.Load()},
		} {
			fmt.Fprintf(&b, "# HELP %s %s\n", c.name, c.help)
			fmt.Fprintf(&b, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(&b, "%s %d\n", c.name, c.val)
		}
		fmt.Fprint(w, b.String())
	})
}
