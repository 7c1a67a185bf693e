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

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/dl"
)

const (
	libraryName      = "libcudbg.so.1"
	libraryLoadFlags = dl.RTLD_LAZY | dl.RTLD_GLOBAL

	// apiEntrySymbol is the exported entry point handing out the debug-API
	// function table for a requested (major, minor, rev) revision.
	apiEntrySymbol = "cudbgGetAPI"
)

// library holds the reference to the loaded debug library.
var library *dl.DynamicLibrary

// LoadLibrary opens the hardware debug library and verifies that the API
// entry point is exported. The function table itself is bound by the host
// debugger's transport; the core only needs to know the library is usable.
func LoadLibrary() error {
	lib := dl.New(libraryName, libraryLoadFlags)
	if err := lib.Open(); err != nil {
		return fmt.Errorf("error opening %s: %w", libraryName, err)
	}
	if err := lib.Lookup(apiEntrySymbol); err != nil {
		closeErr := lib.Close()
		if closeErr != nil {
			return fmt.Errorf("error looking up %s: %v (close failed: %w)", apiEntrySymbol, err, closeErr)
		}
		return fmt.Errorf("error looking up %s: %w", apiEntrySymbol, err)
	}
	library = lib
	return nil
}

// UnloadLibrary releases the debug library if it was loaded.
func UnloadLibrary() error {
	if library == nil {
		return nil
	}
	err := library.Close()
	library = nil
	return err
}
