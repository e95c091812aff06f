// Copyright 2024 SpotHero
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optimizely

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const (
	preReleaseSeparator = "-"
	buildSeparator      = "+"
)

// isPreReleaseVersion reports whether the first "-" appears before any "+",
// marking the suffix as pre-release rather than build metadata.
func isPreReleaseVersion(version string) bool {
	preIdx := strings.Index(version, preReleaseSeparator)
	if preIdx < 0 {
		return false
	}
	buildIdx := strings.Index(version, buildSeparator)
	return buildIdx < 0 || preIdx < buildIdx
}

func isBuildVersion(version string) bool {
	buildIdx := strings.Index(version, buildSeparator)
	if buildIdx < 0 {
		return false
	}
	preIdx := strings.Index(version, preReleaseSeparator)
	return preIdx < 0 || buildIdx < preIdx
}

// splitVersion breaks a semantic version into its dotted numeric parts followed
// by any pre-release or build suffix. Versions with whitespace, more than three
// numeric parts, or non-numeric core parts are invalid.
func splitVersion(version string) ([]string, error) {
	if strings.Contains(version, " ") {
		return nil, xerrors.Errorf("invalid semantic version %q", version)
	}

	prefix := version
	var suffix []string
	if isPreReleaseVersion(version) || isBuildVersion(version) {
		separator := buildSeparator
		if isPreReleaseVersion(version) {
			separator = preReleaseSeparator
		}
		parts := strings.SplitN(version, separator, 2)
		prefix = parts[0]
		if len(parts) > 1 {
			suffix = parts[1:]
		}
	}

	dotCount := strings.Count(prefix, ".")
	if dotCount > 2 {
		return nil, xerrors.Errorf("invalid semantic version %q", version)
	}
	versionParts := strings.Split(prefix, ".")
	if len(versionParts) != dotCount+1 {
		return nil, xerrors.Errorf("invalid semantic version %q", version)
	}
	for _, part := range versionParts {
		if _, err := strconv.Atoi(part); err != nil {
			return nil, xerrors.Errorf("invalid semantic version %q", version)
		}
	}

	return append(versionParts, suffix...), nil
}

// compareVersions compares a user-supplied version against a targeted version
// using semantic-versioning precedence, truncated to the precision of the
// target. Returns a negative, zero, or positive value when the user version is
// respectively lower than, matching, or higher than the target.
func compareVersions(targetedVersion, userVersion string) (int, error) {
	targetedParts, err := splitVersion(targetedVersion)
	if err != nil {
		return 0, err
	}
	userParts, err := splitVersion(userVersion)
	if err != nil {
		return 0, err
	}

	for idx, targetedPart := range targetedParts {
		if len(userParts) <= idx {
			// a target with a pre-release suffix outranks the bare user version
			if isPreReleaseVersion(targetedVersion) {
				return 1, nil
			}
			return -1, nil
		}
		userPart := userParts[idx]
		userNumber, userErr := strconv.Atoi(userPart)
		targetedNumber, targetedErr := strconv.Atoi(targetedPart)
		if userErr != nil || targetedErr != nil {
			// pre-release identifiers compare lexically
			if userPart < targetedPart {
				return -1, nil
			}
			if userPart > targetedPart {
				return 1, nil
			}
			continue
		}
		if userNumber < targetedNumber {
			return -1, nil
		}
		if userNumber > targetedNumber {
			return 1, nil
		}
	}

	if isPreReleaseVersion(userVersion) && !isPreReleaseVersion(targetedVersion) {
		return -1, nil
	}
	return 0, nil
}
