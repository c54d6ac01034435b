// Package lease shares one published resource between many concurrent borrowers.
//
// A Holder hands out leases on the resource it currently publishes, counts the
// leases that are still outstanding, and refuses to retract the resource until
// every lease has been released. When leak detection is enabled, a Detector
// sweeps the holders it watches and forcibly reclaims leases that were held
// longer than the configured timeout, logging where they were acquired. Calls
// made through a reclaimed handle fail with ErrStaleHandle.
package lease
