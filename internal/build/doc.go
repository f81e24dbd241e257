// Package build turns a descriptor into an ordered layer plan and executes
// it against a container engine.
//
// Steps run strictly in order, each on top of the image produced by the
// previous one. Every layer has a content-addressed cache key chained from
// the previous key, the step kind, its instruction and the digest of its
// input, so a change invalidates that layer and everything after it. A
// build either tags its final image or tags nothing.
package build
