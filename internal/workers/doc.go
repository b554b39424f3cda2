/*
Package workers determines worker pool sizes that respect container CPU
limits.

runtime.NumCPU() reports the host's CPU count even when the container is
limited to a fraction of it; GOMAXPROCS (Go 1.19+) tracks the cgroup limit.
The helpers here size pools from GOMAXPROCS with a workload multiplier:

	// Decode/transcode pool: CPU-bound, 1 worker per CPU, capped at 8
	maxJobs := workers.ForCPU(8)

All functions honor the PREVIEW_WORKERS environment variable as an explicit
operator override.
*/
package workers
