package chat

// Logging convention in the `chat` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - request timeouts and socket reconnects
//     - permanent sync failures and reconciliation reloads
//     - dropped or undecodable frames
// Warning:
//     unexpected panics in consumer callbacks, handled and suppressed (see `HandleError`)
// V(1):
//     key events with ids that can be used to filter
//     - sync event enqueue, fire, complete
//     - online state transitions
// V(2):
//     frequent events - send, receive, ping, drain passes
//
// Each component prefixes its messages with a short tag:
//     [sm] sync manager
//     [ws] socket manager
//     [rm] request manager
//     [cm] change manager
//     [om] online manager
//     [api] http transport
//     [store] durable sync event store
//     [c] client
