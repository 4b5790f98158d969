// Package scan is the static safety gate. It inspects patch payloads and
// untrusted operator source before anything is executed: a textual,
// intentionally conservative filter with no access to runtime state.
package scan

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"evokernel/internal/constitution"
	"evokernel/internal/patch"
)

// ViolationKind categorizes security violations.
type ViolationKind int

const (
	ForbiddenImport ViolationKind = iota
	IOOutsideSandbox
	ForbiddenReference
	ForbiddenConstruct
)

func (k ViolationKind) String() string {
	switch k {
	case ForbiddenImport:
		return "forbidden_import"
	case IOOutsideSandbox:
		return "io_outside_sandbox"
	case ForbiddenReference:
		return "forbidden_reference"
	case ForbiddenConstruct:
		return "forbidden_construct"
	default:
		return "unknown"
	}
}

// SecurityViolation is the failure type for anything the scanner refuses.
type SecurityViolation struct {
	Kind     ViolationKind
	Location string
	Detail   string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation (%s) at %s: %s", e.Kind, e.Location, e.Detail)
}

// Substrings whose presence in any payload string means the patch is
// trying to reach a capability the kernel never grants. Matching is
// case-insensitive and deliberately blunt: false positives are cheap,
// false negatives are not.
var forbiddenCapabilities = []string{
	"net/http",
	"net.dial",
	"net.listen",
	"crypto/tls",
	"ftp://",
	"ftplib",
	"socket",
	"subprocess",
	"os/exec",
	"exec.command",
	"syscall",
	"cgo",
	"ctypes",
	"dlopen",
	"import socket",
	"import http",
	"import ssl",
}

var openCallPattern = regexp.MustCompile(`(?i)\b(?:open|openfile|create)\s*\(\s*"([^"]*)"`)

// ScanPatch walks every string-valued field of every operation in the
// patch, including nested collections, and rejects forbidden capability
// references and file paths outside the sandbox prefixes.
func ScanPatch(p *patch.Patch) error {
	for i, op := range p.Ops {
		loc := fmt.Sprintf("ops[%d] %s", i, op.Name())
		if err := scanValue(reflect.ValueOf(op), loc); err != nil {
			return err
		}
	}
	return nil
}

func scanValue(v reflect.Value, loc string) error {
	switch v.Kind() {
	case reflect.String:
		return scanString(v.String(), loc)
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return scanValue(v.Elem(), loc)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if !field.IsExported() {
				continue
			}
			if err := scanValue(v.Field(i), loc+"."+field.Name); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := scanValue(v.Index(i), fmt.Sprintf("%s[%d]", loc, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := scanValue(iter.Key(), loc+" key"); err != nil {
				return err
			}
			if err := scanValue(iter.Value(), fmt.Sprintf("%s[%v]", loc, iter.Key())); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanString(s, loc string) error {
	lower := strings.ToLower(s)
	for _, cap := range forbiddenCapabilities {
		if strings.Contains(lower, cap) {
			return &SecurityViolation{
				Kind:     ForbiddenImport,
				Location: loc,
				Detail:   fmt.Sprintf("references forbidden capability %q", cap),
			}
		}
	}

	for _, m := range openCallPattern.FindAllStringSubmatch(s, -1) {
		if err := checkSandboxPath(m[1], loc); err != nil {
			return err
		}
	}
	if looksLikePath(s) {
		if err := checkSandboxPath(s, loc); err != nil {
			return err
		}
	}
	return nil
}

// looksLikePath is a heuristic: absolute or dotted-relative strings, or
// anything slash-separated that names a file, counts as a path argument.
func looksLikePath(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\n(") {
		return false
	}
	return strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "./") ||
		strings.HasPrefix(s, "../") ||
		(strings.Contains(s, "/") && strings.Contains(s[strings.LastIndex(s, "/"):], "."))
}

func checkSandboxPath(path, loc string) error {
	cleaned := strings.TrimPrefix(path, "./")
	for _, prefix := range constitution.SandboxPrefixes {
		if strings.HasPrefix(cleaned, prefix) {
			return nil
		}
	}
	return &SecurityViolation{
		Kind:     IOOutsideSandbox,
		Location: loc,
		Detail:   fmt.Sprintf("path %q is outside the sandbox directories", path),
	}
}
