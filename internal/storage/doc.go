// Package storage keeps the cycle journal: one record per finished
// announcement cycle, used by /history.
//
// The journal is optional and write-mostly. Orchestration state (the open
// watch set, the running poller) is never stored.
package storage
