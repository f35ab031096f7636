// Package icap implements an ICAP (RFC 3507) server: message parsing with
// chunked bodies and preview negotiation, response assembly with computed
// Encapsulated offsets, plaintext/TLS transports with in-band upgrade, and a
// framework for pluggable adaptation services.
//
// A minimal server:
//
//	reg := icap.NewRegistry()
//	_ = reg.Register("echo", icap.NewEchoService())
//	srv := icap.NewServer(":1344", reg)
//	log.Fatal(srv.ListenAndServe())
package icap
