// Package model defines the persistent entities of the check
// orchestration core and the execution status machinery shared by the
// queue scheduler, the local runner and the status projections.
package model
