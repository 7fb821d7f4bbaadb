// Package attempt defines the vocabulary shared by every stage of an
// acquisition: the closed set of failure causes, the tagged outcome of a
// single retrieval attempt, and the artifact a successful attempt produces.
//
// Causes are split into two classes. Everything except Unsupported is
// recoverable, meaning the sequencer moves on to the next profile.
// Unsupported aborts the whole acquisition. AuthenticationChallenge and
// NotFound are additionally benign: they are expected against adversarial
// upstreams and are logged quietly and never surfaced to the requester.
package attempt
