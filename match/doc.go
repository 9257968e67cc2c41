// Package match implements the structural comparison engine for scenario
// assertions.
//
// The ValueMatcher compares an expected document, which may embed special
// $$-prefixed directives ($$exists, $$type, $$unsetOrMatches, numeric
// comparisons, entity placeholders, hex-byte matching, unordered arrays),
// against an actual BSON value. The Error, Event, and Log matchers build on
// it to classify captured failures, command/pool/server events, and
// structured log records against scenario expectations.
//
// All mismatches are reported as *types.AssertionError carrying the
// assertion-context trail active at the point of failure. A nil error means
// the values matched.
package match
