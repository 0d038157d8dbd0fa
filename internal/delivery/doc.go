// Package delivery fans poller output out to subscribed chats.
//
// Every chat owns a FIFO queue drained by a single supervised worker, so
// successive records reach one chat in emission order while chats proceed
// independently. Sends share one rate limiter, wait MinSendDelay first and
// are retried with jittered exponential backoff. Failures are logged and
// published on the bus; they never reach the poller.
package delivery
