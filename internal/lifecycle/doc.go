// Package lifecycle drives one run of the device process: connect, set up
// subscriptions, wait for a termination event, then disconnect exactly once.
//
// States move strictly forward:
//
//	Idle -> Connected -> Running -> ShuttingDown -> Terminated
//
// Three events end the Running state, whichever comes first: the run
// context is cancelled (SIGINT/SIGTERM via signal.NotifyContext), the
// session reports a fatal error, or the optional work function returns.
package lifecycle
