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

/*

Package errors provides error wrapping helpers that prefix errors with the
function name and line number of the wrap site. A traced error carries a
single inline frame per wrap, so a propagated error reads as a compact
call path without the noise of a full stack trace.

*/
package errors

import (
	"fmt"
	"runtime"
	"strings"
)

// Trace wraps err with the calling function's name and line number.
// Returns nil when err is nil, so call sites may wrap unconditionally.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callSite(2), err)
}

// TraceNew returns a new error with the given message, prefixed with the
// calling function's name and line number.
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", callSite(2), fmt.Errorf("%s", message))
}

// Tracef is TraceNew with fmt.Sprintf formatting of the message.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", callSite(2), fmt.Errorf(format, args...))
}

// TraceMsg wraps err with the calling function's name and line number and
// an additional message. Returns nil when err is nil.
func TraceMsg(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", callSite(2), message, err)
}

// callSite renders the stack frame `skip` levels up as "pkg.Func#line",
// with the import path prefix stripped from the function name.
func callSite(skip int) string {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown#0"
	}
	return fmt.Sprintf("%s#%d", FunctionName(pc), line)
}

// FunctionName extracts a short function name from the full name reported
// by runtime.FuncForPC, dropping the leading import path components.
func FunctionName(pc uintptr) string {
	name := runtime.FuncForPC(pc).Name()
	if index := strings.LastIndex(name, "/"); index != -1 {
		name = name[index+1:]
	}
	return name
}
