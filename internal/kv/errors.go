// Copyright 2024 Google LLC
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

package kv

import (
	"errors"
	"strings"
)

func errorsAs(err error, target any) bool {
	return errors.As(err, target)
}

// isRetryableRedisError recognizes the handful of server-reported error
// prefixes that indicate a transient condition rather than a protocol or
// auth failure: LOADING (RDB/AOF still loading), BUSY (script running),
// CLUSTERDOWN, and TRYAGAIN.
func isRetryableRedisError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "BUSY", "CLUSTERDOWN", "TRYAGAIN"} {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}
