// Package wardscry is the root of the WardScry honeytoken monitor.
//
// WardScry plants decoy filesystem objects in sensitive locations and treats
// any interaction with them as a high-confidence intrusion signal. This
// module implements the daemon side of the product:
//
//   - pkg/core: the domain — tokens, events, statuses, collaborator contracts.
//   - pkg/adapters/sqlite: the persistent store shared with the management UI.
//   - pkg/adapters/siem: the append-only JSON Lines alert sink.
//   - pkg/daemon: the event pipeline — registry hot-reload, filesystem
//     watching, burst debouncing, and the token state machine.
//   - cmd/wardscryd: the daemon binary and its admin subcommands.
//
// The pipeline is a single-writer design: one consumer goroutine owns every
// token status write, fed bounded queues by the watcher, the registry
// reloader and the periodic existence checker.
package wardscry
