// Package pkihandler serves public CA material over HTTP and provides a client for it.
//
// Certificate names are resolved against the configured layout only: a request can
// reach the root, an intermediate slot, or a file in the CRL directory, and nothing else.
package pkihandler
