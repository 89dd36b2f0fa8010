package storage

// Package storage persists terminal task records for operator forensics.
//
// Only task metadata is stored (ids, roles, outcomes, timings); payloads
// and results stay in memory with the scheduler and are never written out.
