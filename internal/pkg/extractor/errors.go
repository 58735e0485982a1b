package extractor

import (
	"errors"
	"fmt"
)

// Error codes reported by the extraction service
const (
	CodeLinkInvalid        = "error.api.link.invalid"
	CodeLinkUnsupported    = "error.api.link.unsupported"
	CodeServiceUnsupported = "error.api.service.unsupported"
	CodeUnavailable        = "error.api.content.video.unavailable"
	CodeFetchEmpty         = "error.api.fetch.empty"
	CodeRateExceeded       = "error.api.rate_exceeded"
	CodeFetchFail          = "error.api.fetch.fail"
	CodeAgeRestricted      = "error.api.content.video.age"
	CodePrivate            = "error.api.content.video.private"
	CodeRegion             = "error.api.content.video.region"
	CodeLogin              = "error.api.youtube.login"

	// local codes
	CodeNoAudio         = "extractor.no_audio"
	CodeUnknownResponse = "extractor.unknown_response"
	CodeTooLarge        = "extractor.too_large"
	CodeServiceDown     = "extractor.service_unavailable"
	CodeUnknown         = "extractor.unknown"
)

type codeInfo struct {
	msg       string
	retryable bool
}

var codes = map[string]codeInfo{
	CodeLinkInvalid:        {msg: "The video link is invalid"},
	CodeLinkUnsupported:    {msg: "This video source is not supported"},
	CodeServiceUnsupported: {msg: "This video source is not supported"},
	CodeUnavailable:        {msg: "The video is unavailable"},
	CodeFetchEmpty:         {msg: "The video is unavailable"},
	CodeRateExceeded:       {msg: "Too many requests to the audio service, try again later", retryable: true},
	CodeFetchFail:          {msg: "Could not fetch the video audio", retryable: true},
	CodeAgeRestricted:      {msg: "The video is restricted and can not be processed"},
	CodePrivate:            {msg: "The video is restricted and can not be processed"},
	CodeRegion:             {msg: "The video is restricted and can not be processed"},
	CodeLogin:              {msg: "The video requires sign in and can not be processed"},
	CodeNoAudio:            {msg: "No audio stream found for the video"},
	CodeUnknownResponse:    {msg: "Unexpected audio service response"},
	CodeTooLarge:           {msg: "The audio is too large"},
	CodeServiceDown:        {msg: "The audio service is unavailable, try again later", retryable: true},
}

// Error is a classified extraction error
type Error struct {
	Code      string
	Message   string
	Retryable bool
	err       error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError maps the code to a stable message
func NewError(code string, err error) *Error {
	ci, ok := codes[code]
	if !ok {
		return &Error{Code: code, Message: "Audio extraction failed", err: err}
	}
	return &Error{Code: code, Message: ci.msg, Retryable: ci.retryable, err: err}
}

// IsRetryable returns true for rate limit, fetch failure or service unavailability
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Message returns human readable error message
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Audio extraction failed"
}
