package domain

import "errors"

// Refusals surfaced to participants. All of them are recoverable at the caller.
var (
	ErrPrerequisiteNotMet   = errors.New("prerequisite round not completed")
	ErrRoundAlreadyFinished = errors.New("round already finished")
	ErrRoundClosed          = errors.New("round is closed")
	ErrDuplicateSubmission  = errors.New("question already submitted this round")
	ErrConfiguration        = errors.New("question has no canonical results")
	ErrValidation           = errors.New("invalid input")
	ErrAlreadyTerminal      = errors.New("session already in a terminal state")
)

// Lookup errors.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrUnknownRound        = errors.New("unknown round")
	ErrQuestionNotFound    = errors.New("question not found")
)

// ErrStaleSession is returned by the store when a compare-and-set on a session
// loses to a concurrent writer.
var ErrStaleSession = errors.New("session was modified concurrently")
