package downloader

import "errors"

// Sentinel errors surfaced by the header and body downloaders. None of
// these are fatal to a single request: the downloader retries against a
// different peer until the peer set is exhausted, at which point it wraps
// the last cause in ErrPeersExhausted and gives up.
var (
	ErrTimeout          = errors.New("downloader: request timed out")
	ErrRequestError     = errors.New("downloader: malformed or unsolicited response")
	ErrHeaderValidation = errors.New("downloader: header failed validation")
	ErrBodyValidation   = errors.New("downloader: body failed validation against header")
	ErrPeersExhausted   = errors.New("downloader: no peers left to retry against")
	ErrStuckPrefix      = errors.New("downloader: contiguous prefix missing despite retries")
	ErrCanceled         = errors.New("downloader: canceled")
)
