/*
Package httpserver runs the PKI HTTP API and the escrow recovery admin API.

The server wraps any number of route registrars with request logging and adds the
operational endpoints:

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Mark server as not ready
  - GET /undrain - Mark server as ready
  - /debug/pprof - When EnablePprof is set

Metrics are served on a separate listener when MetricsAddr is configured.

# Escrow Recovery

A device whose identity files were lost can be restored from Shamir shares produced
by "pkiadmin escrow split". The admin API is started before bootstrap when the
identity is missing and an admin key list is configured:

  - GET /admin/status - Recovery state
  - POST /admin/init/recover - Start collecting shares, body {"threshold": n}
  - POST /admin/share - Submit a share, body {"share_index", "share", "signature"}

Every admin request carries X-Admin-ID and X-Admin-Signature headers. The signature
covers the request path followed by the body: ECDSA over its SHA-256 digest, or
Ed25519 over the raw bytes. The share itself is signed separately with kms.SignShare.

# Example Usage

	cfg := api.NewHTTPServerConfig(conf.HTTP, logger)

	srv, err := httpserver.New(cfg, pkihandler.NewHandler(system.Authority, crlURL, logger))
	if err != nil {
		log.Fatal(err)
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
