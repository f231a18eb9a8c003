// Package sshterminal multiplexes interactive terminal sessions over one SSH
// connection.
//
// Each connection owns a [Manager]. A terminal session is bound to one PTY
// channel and owns three goroutines:
//
//   - the input task, which drains a FIFO of [Manager.SendInput] requests and
//     writes each one to the channel exactly once, replying to the caller with
//     the write result;
//   - the stdout and stderr tasks, which append every chunk read from the
//     channel to the session's [ScrollbackBuffer] and publish it verbatim as a
//     Data event carrying its scrollback offset. The two tasks publish one at
//     a time, so event order matches scrollback order.
//
// # Session Lifecycle
//
//  1. [Manager.CreateSession] checks that the owning connection has a live
//     transport session, registers the terminal, opens the channel, starts
//     the tasks and publishes TerminalCreated.
//
//  2. [Manager.SendInput] and [Manager.Resize] are routed by terminal id.
//
//  3. [Manager.CloseSession] removes the terminal from the registry first, so
//     a concurrent lookup sees either the whole session or nothing. It then
//     marks it inactive, cancels the tasks, closes the channel and waits a
//     bounded time for the tasks, since a peer that stops responding never
//     acknowledges the close. It publishes exactly one TerminalClosed, and
//     none for a terminal closed before TerminalCreated was published. A
//     remote shell exit triggers the same path.
//
// # Limits
//
// A single input call is limited to [MaxInputMessageSize] bytes and resize
// dimensions to [MaxResizeCols] x [MaxResizeRows].
package sshterminal
