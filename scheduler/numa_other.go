//go:build !linux

// numa_other.go - No-op Affinitaet ausserhalb von Linux
package scheduler

func bindWorker(int) {}

func unbindWorker() {}
