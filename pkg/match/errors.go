package match

import "errors"

// Precondition errors: surfaced to the caller, no state change.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyQueued     = errors.New("user is already waiting in the queue")
	ErrAlreadyMatched    = errors.New("user already holds an active match")
	ErrInCooldown        = errors.New("user is in cooldown")
	ErrNotInVoteWindow   = errors.New("match is not in its vote window")
	ErrNotParticipant    = errors.New("user is not a participant of the match")
	ErrInvalidValue      = errors.New("invalid vote value")
	ErrInvalidMatch      = errors.New("unknown or inactive match")
	ErrUnknownUser       = errors.New("unknown user")
	ErrUserOffline       = errors.New("user is offline")
)

// Transient errors: safe to retry; the scheduler makes progress regardless.
var (
	ErrBusy    = errors.New("busy, try again")
	ErrExpired = errors.New("vote window has expired")
)
