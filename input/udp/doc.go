// Package udp receives syslog over UDP and appends each frame to the event
// stream as a log event.
//
// The read loop only copies datagrams off the socket. Parsing and appending
// run on a bounded worker pool so that a slow stream never stalls the
// socket; when the pool queue is full the datagram is dropped and counted
// with reason "overload". Other drop reasons:
//
//	malformed  the frame has no valid <PRI> header
//	forbidden  the source address is outside security.allowed_cidrs
//	capacity   the stream rejected the append with ErrCapacityExceeded
//	invalid    the parsed event failed validation
//	error      any other append failure
//
// A datagram may carry several newline-separated frames; each frame is
// parsed and appended independently.
package udp
