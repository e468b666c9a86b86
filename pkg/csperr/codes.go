// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain-csp.
//
// go-keychain-csp is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package csperr

import "fmt"

// Code is the canonical error value reported through the host last-error
// channel. Values are the NTE_* and ERROR_* codes of the legacy provider
// interface.
type Code uint32

const (
	Success Code = 0

	AccessDenied       Code = 5    // ERROR_ACCESS_DENIED
	InvalidHandle      Code = 6    // ERROR_INVALID_HANDLE
	NotReady           Code = 21   // ERROR_NOT_READY
	TooManyCommands    Code = 56   // ERROR_TOO_MANY_CMDS
	InvalidParameter   Code = 87   // ERROR_INVALID_PARAMETER
	Busy               Code = 170  // ERROR_BUSY
	MoreData           Code = 234  // ERROR_MORE_DATA
	NoMoreItems        Code = 259  // ERROR_NO_MORE_ITEMS
	Cancelled          Code = 1223 // ERROR_CANCELLED
	NetworkUnreachable Code = 1231 // ERROR_NETWORK_UNREACHABLE
	Timeout            Code = 1460 // ERROR_TIMEOUT

	BadUID          Code = 0x80090001
	BadHash         Code = 0x80090002
	BadKey          Code = 0x80090003
	BadLength       Code = 0x80090004
	BadData         Code = 0x80090005
	BadSignature    Code = 0x80090006
	BadAlgorithm    Code = 0x80090008
	BadFlags        Code = 0x80090009
	BadType         Code = 0x8009000A
	BadKeyState     Code = 0x8009000B
	BadHashState    Code = 0x8009000C
	KeyNotFound     Code = 0x8009000D // NTE_NO_KEY
	NoMemory        Code = 0x8009000E
	KeyExists       Code = 0x8009000F // NTE_EXISTS
	Permission      Code = 0x80090010 // NTE_PERM
	NotFound        Code = 0x80090011 // NTE_NOT_FOUND
	BadProviderType Code = 0x80090014
	BadKeyset       Code = 0x80090016
	ProviderDllFail Code = 0x8009001D
	InternalError   Code = 0x80090020 // NTE_FAIL
	NotSupported    Code = 0x80090029
)

var descriptions = map[Code]string{
	Success:            "the operation completed successfully",
	AccessDenied:       "access is denied",
	InvalidHandle:      "the handle is invalid",
	NotReady:           "the backend circuit is open",
	TooManyCommands:    "too many requests in flight",
	InvalidParameter:   "the parameter is incorrect",
	Busy:               "no backend connection is available",
	MoreData:           "more data is available",
	NoMoreItems:        "no more data is available",
	Cancelled:          "the operation was cancelled",
	NetworkUnreachable: "the backend could not be reached",
	Timeout:            "the operation timed out",
	BadUID:             "bad UID",
	BadHash:            "bad hash",
	BadKey:             "bad key",
	BadLength:          "bad length",
	BadData:            "bad data",
	BadSignature:       "invalid signature",
	BadAlgorithm:       "invalid algorithm specified",
	BadFlags:           "invalid flags specified",
	BadType:            "invalid type specified",
	BadKeyState:        "key not valid for use in specified state",
	BadHashState:       "hash not valid for use in specified state",
	KeyNotFound:        "key does not exist",
	NoMemory:           "insufficient memory available",
	KeyExists:          "object already exists",
	Permission:         "access denied",
	NotFound:           "object was not found",
	BadProviderType:    "invalid provider type specified",
	BadKeyset:          "keyset does not exist",
	ProviderDllFail:    "the backend service is unavailable",
	InternalError:      "an internal error occurred",
	NotSupported:       "the requested operation is not supported",
}

// Describe returns a short human readable description of code.
func Describe(code Code) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("unknown error 0x%08X", uint32(code))
}

func (c Code) String() string {
	return fmt.Sprintf("0x%08X", uint32(c))
}
