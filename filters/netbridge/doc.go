// Package netbridge carries events between processes over TCP or UDP as
// fixed size records.
//
// The egress filter dials a peer and writes every encodable event it sees
// while forwarding it locally. The ingress filter listens for one peer and
// injects the events it reads into its own output, next to whatever its
// input delivers. Payload-carrying events (text and parameter codes) stay
// local. udp_ingress takes one record per datagram; net_egress sends to it
// with network "udp". TCP connections may use TLS (tls_* parameters).
//
// A chain can be split across two processes:
//
//	stages:
//	  - filter: generator
//	  - filter: net_egress
//	    parameters: {address: "10.0.0.2:9500"}
//
// and on the receiving side:
//
//	stages:
//	  - filter: net_ingress
//	    parameters: {listen: ":9500"}
//	  - filter: stats
package netbridge
