// Package netio provides raw IPv4 socket abstractions for TCP segment I/O.
//
// The Linux-specific implementation (rawsock_linux.go) uses
// golang.org/x/sys/unix to open a send socket (AF_INET/SOCK_RAW/
// IPPROTO_RAW with IP_HDRINCL) and a receive socket
// (AF_INET/SOCK_RAW/IPPROTO_TCP), letting tcp.Manager build and parse
// every IPv4/TCP byte itself rather than going through the kernel's TCP
// stack.
package netio
