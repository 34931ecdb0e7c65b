// Package storage keeps an optional history of finished task runs.
//
// It is an observer of the scheduler: nothing is read back into the
// schedule, and a restart starts with whatever tasks the config registers.
package storage
