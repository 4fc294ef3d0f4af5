// Package http serves the isolate REST API: creating, listing and disposing
// isolates and evaluating code in them. Results are copied out of the isolate
// and rendered as JSON; errors map to statuses by kind.
package http
