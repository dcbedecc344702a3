// Package liveness classifies devices as online or offline from the arrival
// pattern of their messages.
//
// The Tracker is a pure state machine: it is fed message timestamps through
// Observe and periodic ticks through Check, and has no network dependency.
// A TopicObserver binds broker topics to device ids so a telemetry
// Multiplexer can feed it directly, and a Monitor drives the periodic check,
// persists records to a Store and forwards status flips to a ChangeSink.
//
// # State machine
//
//	Unknown ──message──▶ Online ◀──message── Offline
//	   │                   │                    ▲
//	   └───── FailureThreshold stale checks ────┘
//
// Unknown is the initial state and the state after Reset. It is never
// re-entered automatically.
package liveness
