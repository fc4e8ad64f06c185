package transaction

// The transaction package groups cellkv's transaction layer. Transactions write provisional cell versions directly into
// the regions they touch, stamped with the transaction's odd start timestamp, and become visible to other readers only
// once the transaction's status has been recorded as committed.
//
// Readers decide what they can see cell by cell. A version with an even timestamp was written outside any transaction
// and is visible to every reader that started after it. A version with an odd timestamp belongs to some transaction; the
// reader looks its status up in a local cache (`status.Cache`) and, on a miss, asks the authority for the host that owns
// the region (`status.Authority`). If every retrieved version of a column turns out to be invisible, the resolver fetches
// older versions and tries again. All of this lives in `mvcc`.
//
// Sub-packages:
//
// * `tso` allocates start (odd) and commit (even) timestamps.
// * `status` holds the per-host status table, its cache and the authority interface.
// * `mvcc` resolves visibility and implements the transactional row read and scan.
// * `txn` holds transaction state, the undo log and the commit coordinator.
// * `index` lowers row inserts and deletes into cell versions and undoes them.
// * `latches` serialises status table updates for the same transaction.
//
// A commit allocates one even commit timestamp and asks every participant region, in parallel, to record the
// transaction as committed at that timestamp. Regions that could not be reached are reported back to the caller and
// the transaction stays COMMITTING, so it can be committed again later. A rollback replays the undo log in reverse and
// then records the transaction as invalid everywhere it wrote.
