// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bakes the stewardship detector tables into the binary so every
evaluation runs against the same immutable pattern set.
*/

package enforcement

import (
	_ "embed"
)

// StewardshipPatterns holds the raw content of 'stewardship_patterns.yaml'.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.StewardshipPatterns, &targetStruct)
//
//go:embed stewardship_patterns.yaml
var StewardshipPatterns []byte
