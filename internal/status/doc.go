// Package status polls the bottle status endpoint.
//
// A Poller queries the endpoint on a schedule until it sees the bottle
// empty, reports that once as a Signal and returns. The cycle package starts
// a fresh Poller for every monitoring cycle.
package status
