package engine_util

/*
An engine is a low-level system for storing key/value pairs locally (without distribution or any transaction support,
etc.). This package contains code for interacting with such engines.

CF means 'column family'. In short, a column family is a key namespace. Badger has no native column families, so every
key is prefixed with the name of its CF. Two CFs are used: `cell` holds every version of every cell of every region, and
`status` holds the transaction status table consulted to resolve provisional writes.

engine_util includes the following files:

* engines: opening a badger DB from the engine config.
* write_batch: code to batch writes into a single, atomic badger transaction.
* cf_iterator: code to iterate over a whole column family in badger.
*/
