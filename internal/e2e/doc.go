// Package e2e runs the order payment saga across both services in one
// process, connected through the in-memory broker.
package e2e
