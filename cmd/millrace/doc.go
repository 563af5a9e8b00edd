// Command millrace is the operator CLI for the millrace pipeline daemon.
// Online commands (status, add, documents, events, requeue) talk to the
// daemon over its HTTP API; audit and migrate open the database directly
// so they also work while the daemon is stopped.
package main
