/*
 * Copyright (c) 2024-2025, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cudbg

import "fmt"

// Result represents the CUDBGResult return type of the debug API.
type Result int32

const (
	SUCCESS                         Result = 0
	ERROR_UNKNOWN                   Result = 1
	ERROR_BUFFER_TOO_SMALL          Result = 2
	ERROR_UNKNOWN_FUNCTION          Result = 3
	ERROR_INVALID_ARGS              Result = 4
	ERROR_UNINITIALIZED             Result = 5
	ERROR_INVALID_COORDINATES       Result = 6
	ERROR_INVALID_MEMORY_SEGMENT    Result = 7
	ERROR_INVALID_MEMORY_ACCESS     Result = 8
	ERROR_MEMORY_MAPPING_FAILED     Result = 9
	ERROR_INTERNAL                  Result = 10
	ERROR_INVALID_DEVICE            Result = 11
	ERROR_INVALID_SM                Result = 12
	ERROR_INVALID_WARP              Result = 13
	ERROR_INVALID_LANE              Result = 14
	ERROR_SUSPENDED_DEVICE          Result = 15
	ERROR_RUNNING_DEVICE            Result = 16
	ERROR_INVALID_CONTEXT           Result = 18
	ERROR_ADDRESS_NOT_IN_DEVICE_MEM Result = 19
	ERROR_MEMORY_UNMAPPING_FAILED   Result = 20
	ERROR_INCOMPATIBLE_API          Result = 21
	ERROR_INITIALIZATION_FAILURE    Result = 22
	ERROR_INVALID_GRID              Result = 23
	ERROR_NO_EVENT_AVAILABLE        Result = 24
	ERROR_SOME_DEVICES_WATCHDOGGED  Result = 25
	ERROR_ALL_DEVICES_WATCHDOGGED   Result = 26
	ERROR_INVALID_ATTRIBUTE         Result = 27
	ERROR_ZERO_CALL_DEPTH           Result = 28
	ERROR_INVALID_CALL_LEVEL        Result = 30
	ERROR_COMMUNICATION_FAILURE     Result = 31
	ERROR_ATTACH_NOT_POSSIBLE       Result = 34
	ERROR_WARP_RESUME_NOT_POSSIBLE  Result = 35
	ERROR_INVALID_RESPONSE          Result = 36
	ERROR_UNINITIALIZED_CORE_DEBUG  Result = 37
	ERROR_FORBIDDEN_ADDRESS         Result = 40
)

func (r Result) String() string {
	switch r {
	case SUCCESS:
		return "CUDBG_SUCCESS"
	case ERROR_UNKNOWN:
		return "CUDBG_ERROR_UNKNOWN"
	case ERROR_BUFFER_TOO_SMALL:
		return "CUDBG_ERROR_BUFFER_TOO_SMALL"
	case ERROR_UNKNOWN_FUNCTION:
		return "CUDBG_ERROR_UNKNOWN_FUNCTION"
	case ERROR_INVALID_ARGS:
		return "CUDBG_ERROR_INVALID_ARGS"
	case ERROR_UNINITIALIZED:
		return "CUDBG_ERROR_UNINITIALIZED"
	case ERROR_INVALID_COORDINATES:
		return "CUDBG_ERROR_INVALID_COORDINATES"
	case ERROR_INVALID_DEVICE:
		return "CUDBG_ERROR_INVALID_DEVICE"
	case ERROR_INVALID_SM:
		return "CUDBG_ERROR_INVALID_SM"
	case ERROR_INVALID_WARP:
		return "CUDBG_ERROR_INVALID_WARP"
	case ERROR_INVALID_LANE:
		return "CUDBG_ERROR_INVALID_LANE"
	case ERROR_INVALID_GRID:
		return "CUDBG_ERROR_INVALID_GRID"
	case ERROR_NO_EVENT_AVAILABLE:
		return "CUDBG_ERROR_NO_EVENT_AVAILABLE"
	case ERROR_COMMUNICATION_FAILURE:
		return "CUDBG_ERROR_COMMUNICATION_FAILURE"
	case ERROR_INTERNAL:
		return "CUDBG_ERROR_INTERNAL"
	}
	return fmt.Sprintf("CUDBG_ERROR(%d)", int32(r))
}

// Error converts a Result into an error, nil on SUCCESS.
func (r Result) Error() error {
	if r == SUCCESS {
		return nil
	}
	return &APIError{Result: r}
}

// APIError wraps a non-success Result for propagation through the core.
type APIError struct {
	Result Result
}

func (e *APIError) Error() string {
	return fmt.Sprintf("debug API call failed: %v", e.Result)
}
