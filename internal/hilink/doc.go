// Package hilink defines the boundary to the vendor machine-control library.
//
// The library is a synchronous, non-reentrant call surface keyed by an opaque
// per-machine handle. Every call returns a numeric result code where 0 means
// success. Implementations live in subpackages: sim (in-process simulated
// controllers) and remote (HTTP client to the host agent that loads the
// vendor DLL).
package hilink
