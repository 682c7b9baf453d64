// Package notifier delivers short operator messages about planned and
// finished runs.
//
// Messages go through a bounded queue served by a small worker pool with a
// token-bucket rate limit, jittered retries and a dedup window. Delivery is
// delegated to a Sender (webhook, Telegram or the log).
//
// The service keeps a small in-memory history of delivered messages for the
// status command.
package notifier
