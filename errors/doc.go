/*
Package errors provides an enhanced error management library used throughout
the proxy.

When dealing with unexpected or undesired behavior (bad handshakes, broken
upstream sockets, protocol violations) the more information available, the
better. Preserving error structure and context also matters on a proxy that
sits between two independent parties: a negotiation error on the client side
must never be confused with a write error on the broker side.

The main goals of this package are:

  - Provide a simple, extensible and "familiar" implementation that can be
    used as a drop-in replacement for the standard "errors" package.
  - Attach a stacktrace to errors at the point they are created or wrapped.
  - Enable fast, reliable determination of whether a particular cause is
    present, without relying on substring matching on error messages.
  - Support redacting sensitive values (credentials) out of messages that
    may end up in logs.

This library is mainly inspired by https://github.com/cockroachdb/errors.
*/
package errors
