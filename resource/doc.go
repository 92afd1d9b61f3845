// Package resource samples host CPU and memory availability for admission
// control. It answers the single question the scheduler cares about: can a
// job with a given memory requirement start right now without pushing the
// host past its CPU threshold?
//
// Samples are taken via gopsutil and cached for a short interval (1s by
// default) so tight polling loops do not hammer the OS. Sampling failures
// are returned to the caller; a failed resource check never silently passes
// as "sufficient".
package resource
