// Package tcpip implements bit-exact serialization and parsing of IPv4 and
// TCP headers (RFC 791, RFC 793), including the Internet checksum over a
// pseudo-header and odd-length payloads, and the packet codec that ties
// the two together.
package tcpip
