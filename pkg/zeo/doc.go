// Package zeo implements the client side of a framed binary RPC protocol
// to a remote transactional object store: connection/registration,
// cache-coherence verification across reconnects, and a pipelined
// request/response multiplexer with read coalescing.
//
// The on-disk cache, the embedding application, and the wire codec are
// external collaborators described by the Cache, Embedder, and Codec
// interfaces in this package; callers supply concrete implementations.
package zeo
