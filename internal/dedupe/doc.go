// Package dedupe suppresses duplicate sends. A Window remembers, for a
// limited time, which client message ids each sender already had accepted
// and the receipt they got, so a client retrying after a dropped response
// receives the original receipt instead of posting the message twice.
package dedupe
