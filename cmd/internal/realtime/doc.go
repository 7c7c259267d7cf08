// Package realtime contains duochat's conversation session: it opens a room,
// subscribes to the conversation's message collection and keeps an ordered,
// deduplicated view of the messages for one observer.
//
// Flow: Identity Provider -> Session.Start/Join (room write + subscribe) ->
// Adapter (store changes to typed Events) -> Session event loop (merge) -> Updates().
package realtime
