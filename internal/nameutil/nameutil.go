// Package nameutil normalises and matches pool-reported worker
// identifiers against miner records.
package nameutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth are code points stripped during Clean: ZWSP, ZWNJ, ZWJ, BOM/ZWNBSP.
var zeroWidth = []rune{'​', '‌', '‍', '﻿'}

// Clean applies Unicode NFKC normalisation, strips zero-width
// characters, and trims leading and trailing Unicode whitespace.
func Clean(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		for _, zw := range zeroWidth {
			if r == zw {
				return -1
			}
		}
		return r
	}, s)
	return strings.TrimFunc(s, unicode.IsSpace)
}

// Head returns the prefix of s before the first '.', or "" if s has no dot.
// s is Cleaned first so pool-reported names carrying zero-width
// artifacts or non-NFKC forms still split correctly.
func Head(s string) string {
	s = Clean(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Tail returns the suffix of s after the last '.', or s itself if s has no dot.
// s is Cleaned first so pool-reported names carrying zero-width
// artifacts or non-NFKC forms still split correctly.
func Tail(s string) string {
	s = Clean(s)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// TailKey lowercases Tail(s) and strips leading zeros, preserving the
// literal value "0".
func TailKey(s string) string {
	t := strings.ToLower(Tail(s))
	trimmed := strings.TrimLeft(t, "0")
	if trimmed == "" {
		if t == "" {
			return ""
		}
		return "0"
	}
	return trimmed
}

// Matches reports whether an adapter-observed worker name refers to
// the same worker as a miner's stored worker_name, first by exact
// Tail comparison and, failing that, by the looser TailKey fallback.
func Matches(observedName, minerWorkerName string) bool {
	if Tail(observedName) == Tail(minerWorkerName) {
		return true
	}
	return TailKey(observedName) == TailKey(minerWorkerName)
}
