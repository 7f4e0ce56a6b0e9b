// Package deploy syncs a local tree to an origin and refreshes the edge.
//
// A deploy scans and fingerprints the tree, uploads what is new or changed
// on a bounded worker pool, deletes what disappeared only after every upload
// succeeded, then invalidates the changed paths and waits for the edge to
// finish. Running it twice against the same tree changes nothing.
package deploy
