// Package connection tracks the connection status a device client reports
// to its application.
//
// # States
//
//	Connected     the device session is open
//	Disconnected  the session is down; an error or retry exhaustion caused it
//	Disabled      the connection was lost and automatic reconnection is off
//	Closed        the client was closed; terminal
//
// Every status carries a Reason. The Tracker fires its single callback only
// when the (status, reason) pair actually changes, and never while holding
// its lock, so a callback may call back into the client.
package connection
