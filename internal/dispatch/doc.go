// Package dispatch owns the single push-stream subscription and routes every
// tick to the quote window of its instrument.
//
// A Dispatcher moves between two states:
//
//	Closed --Open--> Open --Close--> Closed
//
// ChangeSubscription is only valid while Open. Calling Open twice, or
// ChangeSubscription/Close while Closed, returns an error.
package dispatch
