// Package deps computes the transitive closure of shared libraries a set of
// binaries links against.
//
// Resolution is a fixed-point iteration: every round lists the dependencies
// of the newly discovered binaries, keeps the ones that live under a
// declared prefix and adds them to the closure. It stops when a round finds
// nothing new, or fails with ErrResolutionOverflow once the iteration cap is
// reached.
//
// The listing itself is done by a Lister. The macos package provides one
// backed by otool; MachOLister reads load commands in-process and works on
// any platform.
package deps
