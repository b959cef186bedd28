/*

# mpool: a user-space object store on raw block devices

mpool manages three kinds of persistent objects on top of a pool of
block devices:

  - mblock: a commit-once bulk extent, read back by page-aligned offset.
  - mlog: a commit-once append-only record log with a generation counter.
  - MDC: a metadata container, a logical append-log built from a pair of
    mlogs so that compaction never blocks an in-flight append past a
    single marker write.

On top of these, mcache memory-maps a vector of committed mblocks into
the caller's address space for zero-copy page-level access.

## Layout

  - errors: the packed (kind, origin, errno) failure value crossing
    every API boundary.
  - internal/backend: the contract this package needs from whatever
    provides raw extents and record logs (a kernel driver in
    production, an in-process simulation in tests).
  - registry: the per-pool object-ID -> descriptor map with
    reference-counted handle issue and release.
  - mblock, mlog, mdc, mcache: the object managers described above.
  - pool: ties the above together behind a single Open/Close handle.
  - metrics: process-wide Prometheus collectors for the above.

## Non-goals

mpool does not provide a POSIX filename hierarchy over its objects, does
not support cross-pool references, does not allow in-place overwrite of
a committed mblock, does not encrypt data at rest, and does not
coordinate pools across hosts. Pool administration (create, destroy,
activate, list, scan, rename) and raw device/kernel-driver plumbing are
out of scope for this package; see cmd/mpoolctl for a thin wrapper
around the parts of that surface a caller of this library still needs.

*/

package mpool
