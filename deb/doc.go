// Package deb assembles Debian binary packages from files lifted out of an
// unpacked upstream release, and reads existing .deb archives back into the
// same model.
//
// # Design Philosophy
//
// Packages are plain values built in memory and serialized on demand
// (io.WriterTo), so producing a .deb needs neither dpkg nor a staged build
// root. Serialization is reproducible: a Package built twice from the same
// inputs and the same Stamp emits identical bytes, which keeps published
// archives stable across pipeline reruns.
//
// # Features
//
// Assembly:
//   - Payload entries carry content, mode, mtime and symlink targets, and can
//     be read straight off an extracted tree (ReadFile).
//   - Control member generation: control, md5sums, conffiles and maintainer
//     scripts.
//   - Valid .deb emission: ar container with debian-binary, control.tar.gz
//     and data.tar.gz in the mandated order.
//
// Ingestion:
//   - NewPackage parses foreign .deb files, including control and data
//     members compressed with xz instead of gzip.
//
// Versioning:
//   - Upstream/revision splitting, revision ordering and version bumping for
//     republished builds.
package deb
