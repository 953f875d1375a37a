// Package nt is a server-authoritative table of named, typed topics shared
// between processes.
//
// An Instance holds the table. In the local role it is an in-process
// publish/subscribe hub; StartServer makes it the authority other
// instances connect to, StartClient mirrors a server's table. Application
// code works through handles (publishers, subscribers, entries, listeners)
// that stay valid until released or until the instance is closed; a stale
// handle fails with ErrUnknownHandle.
//
// Changes travel to peers on Flush or on the instance's periodic flush.
// Notifications are queued and read with Poll or WaitForEvents.
package nt
