// Package redis keeps tracker client state in Redis so several tracker
// processes on one host can share the persisted task index.
package redis
