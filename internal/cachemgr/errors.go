package cachemgr

import "go.trai.ch/zerr"

var (
	// ErrInstallIncomplete is returned when a manifest resource could not be fetched.
	// The generation is not promoted and nothing is written under it.
	ErrInstallIncomplete = zerr.New("install incomplete")

	// ErrLifecycleBusy is returned when Install or Activate is called while
	// another lifecycle operation is running.
	ErrLifecycleBusy = zerr.New("lifecycle operation in progress")

	// ErrNotInstalled is returned by Activate when the configured generation
	// was never installed.
	ErrNotInstalled = zerr.New("generation not installed")

	// ErrInvalidGeneration is returned for empty generation ids or ids containing NUL.
	ErrInvalidGeneration = zerr.New("invalid generation id")
)
