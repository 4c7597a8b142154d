// Package storage persists per-subscriber schedule records.
//
// Every driver keeps the same row shape: subscriber id, active flag, "HH:MM"
// fire time and the "YYYY-MM-DD" date whose daily slot was last consumed.
package storage
