// Package store is the server's persistence collaborator: a SQLite file
// holding the last saved state of every persistent topic.
//
// One row per topic:
//   - name: the topic name (primary key, NFC normalized)
//   - type: the declared type string
//   - properties: the property set as JSON
//   - value: the payload as a single msgpack object, NULL if none
//   - time: the value timestamp in microseconds
//
// Save replaces the whole table in one transaction, so a crash mid-save
// leaves the previous snapshot intact.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
