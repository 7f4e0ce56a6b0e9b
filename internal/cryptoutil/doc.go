// Package cryptoutil holds the content fingerprinting primitives used for
// content-addressed sync: SHA-256 hex digests, the manifest digest over a
// whole asset tree, and constant-time digest comparison.
package cryptoutil
