// Package bbferr defines the structured error taxonomy shared by every
// flashing component, adapted from the teacher's HasherError shape.
package bbferr

import "fmt"

// Code enumerates the error kinds from spec §7, grouped by component.
type Code int

const (
	// Image
	InvalidImage Code = iota + 1
	InvalidBmap
	InvalidFirmware
	InvalidCustomization

	// Transport
	Io
	Http
	Sha256Mismatch
	FailedToOpenDestination
	WriterClosed

	// Bootloader
	Nack
	UnknownResponse
	FlashFail
	FailedToStartBootloader
	BslVersionMismatch
	MassEraseFail
	UnlockFail
	BslJumpFail
	FirmwareWriteFail

	// SD customization
	InvalidPartitionTable
	InvalidBootPartition
	SysconfWriteFail
	WifiSetupFail

	// Control
	Aborted
)

var codeNames = map[Code]string{
	InvalidImage:             "InvalidImage",
	InvalidBmap:              "InvalidBmap",
	InvalidFirmware:          "InvalidFirmware",
	InvalidCustomization:     "InvalidCustomization",
	Io:                       "Io",
	Http:                     "Http",
	Sha256Mismatch:           "Sha256Mismatch",
	FailedToOpenDestination:  "FailedToOpenDestination",
	WriterClosed:             "WriterClosed",
	Nack:                     "Nack",
	UnknownResponse:          "UnknownResponse",
	FlashFail:                "FlashFail",
	FailedToStartBootloader:  "FailedToStartBootloader",
	BslVersionMismatch:       "BslVersionMismatch",
	MassEraseFail:            "MassEraseFail",
	UnlockFail:               "UnlockFail",
	BslJumpFail:              "BslJumpFail",
	FirmwareWriteFail:        "FirmwareWriteFail",
	InvalidPartitionTable:    "InvalidPartitionTable",
	InvalidBootPartition:     "InvalidBootPartition",
	SysconfWriteFail:         "SysconfWriteFail",
	WifiSetupFail:            "WifiSetupFail",
	Aborted:                  "Aborted",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// Error is the structured error envelope surfaced by every driver and by
// the orchestrator. Component names the originating package (e.g.
// "sdwriter", "cc1352"), Cause wraps an underlying error when one exists.
type Error struct {
	Code      Code
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: [%s] %s: %v", e.Component, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: [%s] %s", e.Component, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(component string, code Code, message string) error {
	return &Error{Component: component, Code: code, Message: message}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(component string, code Code, message string, cause error) error {
	return &Error{Component: component, Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// reports whether one was found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	for err != nil {
		if be, ok := err.(*Error); ok {
			e = be
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Code, true
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
