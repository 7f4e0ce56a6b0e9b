// Package delivery describes the content-delivery distribution in front of
// a storage origin.
//
// A Config is built once through NewConfig and never mutated. Backends
// implement Provisioner and Invalidator: CloudFront for real stacks and the
// in-process edge network for previews and tests.
package delivery
