package wire

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Canonical returns v in the "vMAJOR.MINOR.PATCH" form semver expects,
// adding the leading "v" when it is missing. Returns "" for invalid input.
func Canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Compatible reports whether a client speaking client can talk to an
// authority speaking server. Majors must match; on the v0 line minors must
// match too. Invalid versions are never compatible.
func Compatible(client, server string) bool {
	c, s := Canonical(client), Canonical(server)
	if c == "" || s == "" {
		return false
	}
	if semver.Major(c) != semver.Major(s) {
		return false
	}
	if semver.Major(c) == "v0" {
		return semver.MajorMinor(c) == semver.MajorMinor(s)
	}
	return true
}
