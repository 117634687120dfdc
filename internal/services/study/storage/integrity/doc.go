// Package integrity seals journal events into a tamper-evident chain and
// signs chain hashes with per-stream HMAC keys.
package integrity
