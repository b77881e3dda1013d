// Package storage mirrors public certificate material to external locations.
//
// Publishers are created from location URIs:
//
//	file:///var/www/pki
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio.local:9000
//	vault://vault.example.com:8200/secret/pki
//
// A MultiPublisher fans writes out to every available backend and succeeds if any
// backend accepted the object. Reads fall back across backends in order.
//
// Only public material (DER encoded .cer files) is ever published. Private keys and
// containers stay on the device.
package storage
