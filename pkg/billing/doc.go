// Package billing is the subscription lifecycle core: it owns the mapping
// between internal subscription records and their payment-provider
// counterparts, processes provider webhooks, and enforces the invariants
// required for accurate billing status.
//
// The provider is the system of record for the monetary lifecycle. Local
// state converges toward it: user commands go through the Service, which
// talks to the provider first and persists second; provider webhooks go
// through the Reconciler, which applies each event exactly once using the
// processed-event ledger. Both mutate the same Store under optimistic
// concurrency, so applying any webhook twice is indistinguishable from
// applying it once.
package billing
