// Package errors provides coded, categorised errors for the dev-tools
// bridge.
//
// Every failure the bridge reports to an observer (diagnostic events, API
// responses, CLI output) carries a stable code:
//
//   - FD1xx connection: handshake timeout, duplicate connection, origin mismatch
//   - FD2xx protocol: malformed envelope, unsupported version, unknown session
//   - FD3xx sync: stale or invalid state updates
//   - FD4xx replay: history range errors
//   - FD5xx config: missing or invalid configuration
//   - FD6xx export: history export and import
//
// # Usage
//
//	err := errors.New(errors.CodeHandshakeTimeout).
//	    WithSession("login-form").
//	    Wrap(cause)
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR FD101: Handshake timed out
//	//
//	//   session: login-form
//	//
//	//   The peer did not acknowledge the handshake within handshakeTimeoutMs.
//	//
//	//   Hint: Check that the host application loaded the dev-tools adapter.
//
// Domain packages keep their own typed errors (for errors.As) and expose a
// Code() method; CodeOf finds the code anywhere in a wrapped chain.
package errors
