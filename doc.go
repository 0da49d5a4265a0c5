/*
Package backplane lets many server processes, each holding its own live
push-messaging connections, behave as one broadcast domain.

A connection is attached to exactly one process. Messages addressed to all
connections, a group, a user or one connection are published on a shared bus
and every process delivers them to the matching connections it holds. Group
membership changes for connections held elsewhere travel as group commands
on a management topic and are acknowledged by the owning process.

# Key Features

  - One Subscription Per Topic: any number of local connections interested in
    a topic share a single bus subscription, opened with the first and closed
    with the last.

  - Supervised Fan-Out: each subscribed topic has its own receive loop. A bad
    message or a panicking connection is logged and skipped; a dropped bus
    stream is re-subscribed with exponential backoff.

  - Keyed Locking: add/remove for the same connection and topic serialize,
    unrelated keys never contend. There is no global lock.

  - Pluggable Bus: membus for a single process, redisbus for scale-out,
    chosen by configuration through Open.

# Usage

	hub, err := backplane.Open(ctx, cfg, logger)
	if err != nil {
		// Handle error
	}
	defer hub.Close()

	// From the transport layer, for every accepted connection:
	hub.OnConnect(ctx, conn)
	defer hub.OnDisconnect(ctx, conn)

	hub.AddToGroup(ctx, conn.ID(), "room1")
	hub.SendGroup(ctx, "room1", "message", []any{"hello"})

# Delivery Guarantees

Delivery is best effort. There is no ordering across topics or processes and
no deduplication; each process's local connections are disjoint, so a
broadcast reaches every connection once as long as the bus delivers it.

Group commands for remote connections are acknowledged, but a missing
acknowledgement is only logged. A command for a connection no process holds
is ignored by every process and therefore always times out.
*/
package backplane
