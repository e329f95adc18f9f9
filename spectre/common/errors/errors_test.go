/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package errors

import (
	std_errors "errors"
	"strings"
	"testing"
)

var errSentinel = std_errors.New("sentinel")

func TestTrace(t *testing.T) {

	err := Trace(errSentinel)

	if !strings.Contains(err.Error(), "errors.TestTrace#") {
		t.Errorf("unexpected call site: %s", err.Error())
	}

	if !strings.HasSuffix(err.Error(), ": sentinel") {
		t.Errorf("unexpected message: %s", err.Error())
	}

	if !std_errors.Is(err, errSentinel) {
		t.Error("wrapped sentinel not found in chain")
	}

	if Trace(nil) != nil {
		t.Error("Trace(nil) must be nil")
	}
	if TraceMsg(nil, "context") != nil {
		t.Error("TraceMsg(nil) must be nil")
	}
}

func TestTraceNested(t *testing.T) {

	inner := Trace(errSentinel)
	outer := TraceMsg(inner, "dialing hop")

	// Each wrap adds one frame; the original error remains reachable.
	if strings.Count(outer.Error(), "errors.TestTraceNested#") != 2 {
		t.Errorf("expected two frames: %s", outer.Error())
	}
	if !strings.Contains(outer.Error(), "dialing hop") {
		t.Errorf("missing message: %s", outer.Error())
	}
	if !std_errors.Is(outer, errSentinel) {
		t.Error("wrapped sentinel not found in chain")
	}
}

func TestTracef(t *testing.T) {

	err := Tracef("refused with code %d", 5)
	if !strings.HasSuffix(err.Error(), "refused with code 5") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
