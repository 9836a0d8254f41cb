/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package testutil provides helpers for tests that touch real kernel state.
package testutil

import (
	"flag"
	"os"
	"testing"
)

var rootEnabled bool

func init() {
	flag.BoolVar(&rootEnabled, "test.root", false, "enable tests that require root")
}

// RequiresRoot skips the test unless it was invoked with -test.root and is
// actually running as root. Attaching and detaching loop devices needs both.
func RequiresRoot(t testing.TB) {
	t.Helper()
	if !rootEnabled {
		t.Skip("skipping test that requires root")
		return
	}
	if os.Geteuid() != 0 {
		t.Fatal("this test must be run as root")
	}
}
