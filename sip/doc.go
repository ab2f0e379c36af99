// Package sip implements the RFC 3261 transaction layer and the dialog-aware
// [Manager] that sits on top of it.
//
// Every transaction runs as its own goroutine with a bounded mailbox. Timer fires,
// inbound messages and calls from the transaction user are all turned into mailbox
// commands, so the transaction state is only touched by its own goroutine.
//
// The [Manager] is the single entry point: a transport adapter feeds it inbound messages
// with [Manager.HandleMessage], and the transaction user (TU) sends requests and responses
// through it and consumes the [Event] stream returned by [Manager.Events].
//
// Messages are the typed messages of github.com/emiago/sipgo/sip; they are re-exported
// here as [Request] and [Response].
package sip
