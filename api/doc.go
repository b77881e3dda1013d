/*
Package api holds the wire types and server configuration of the device PKI
distribution service.

The service is read-only. It serves the public certificates a client needs to
trust the device and never exposes private material:

	GET /pki/ca/{name}.cer      root or intermediate certificate, PEM
	GET /pki/ca/{name}.der      same certificate, DER
	GET /pki/crl/{file}         revocation lists maintained outside the CA
	GET /api/pki/chain          ChainResponse
	GET /api/pki/status         StatusResponse

Subpackage pkihandler implements the handler and a small client.
*/
package api
