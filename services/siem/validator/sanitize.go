// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validator

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Sanitation normalizes free-form strings before they reach a tool
// handler. It never rejects: the value is truncated, stripped of control
// bytes and common injection substrings, and the change is logged.
// Callers needing exactness (for example an indicator that literally
// contains a SQL probe) disable sanitation per argument in the tool
// descriptor.

var (
	// sqlPatterns match common SQL-injection probes, case-insensitive.
	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\s+select\b`),
		regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
		regexp.MustCompile(`(?i)\bdrop\s+table\b`),
		regexp.MustCompile(`(?i);\s*--`),
		regexp.MustCompile(`(?i)'\s*or\s*'`),
	}

	// scriptPatterns match HTML script injection fragments.
	scriptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script[^>]*>`),
		regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)on(load|error|click)\s*=`),
	}
)

// SanitizeString normalizes a free-form string tool argument.
//
// Inputs:
//
//	logger - Logger for recording applied normalizations. Must not be nil.
//	field - JSON pointer of the argument, used in log records only.
//	value - The raw string value.
//
// Outputs:
//
//	string - The normalized value. Possibly identical to the input.
func SanitizeString(logger *slog.Logger, field, value string) string {
	out := value

	if len(out) > MaxStringLength {
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := MaxStringLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	out = stripControlChars(out)

	for _, re := range sqlPatterns {
		out = re.ReplaceAllString(out, "")
	}
	for _, re := range scriptPatterns {
		out = re.ReplaceAllString(out, "")
	}

	if out != value {
		logger.Warn("sanitized tool argument",
			slog.String("field", field),
			slog.Int("original_len", len(value)),
			slog.Int("sanitized_len", len(out)))
	}
	return out
}

// stripControlChars removes NUL and C0 control characters except
// tab, newline, and carriage return.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
