/*
Package cardea provides the trust boundary between a runtime secret broker, an
authoritative relational store, and a derived vector index. Secrets are leased
in memory for a bounded lifetime and never persisted; writes spanning the
authoritative store and the derived index either commit atomically on the
authoritative side or are reconciled asynchronously on the index side; and no
internal identifier ever crosses into the derived index - only opaque
surrogate identifiers do.

The SecretBroker interface abstracts a secrets storage and signing service.
The vault package provides an implementation backed by HashiCorp Vault. The
lease package wraps any SecretBroker with in-memory, expiring, self-renewing
leases.

The Store, SurrogateMap, CompensationLog, and DerivedIndex interfaces are the
ports that the txn.Coordinator orchestrates. The pg package implements the
store-side ports on PostgreSQL and the qdrant package implements the derived
index port. If these do not fulfill your needs, you can provide your own
implementations instead.
*/
package cardea
