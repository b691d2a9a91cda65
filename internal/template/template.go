// Package template resolves guest and environment references in prepare
// scripts, e.g. {{guests.server.address}} or {{roles.server.address}}.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var guestRefRe = regexp.MustCompile(`\{\{guests\.([^.}]+)\.([^}]+)\}\}`)
var roleRefRe = regexp.MustCompile(`\{\{roles\.([^.}]+)\.([^}]+)\}\}`)
var envRefRe = regexp.MustCompile(`\{\{env\.([^}]+)\}\}`)

// Context holds available values for template resolution.
type Context struct {
	Env    map[string]string
	Guests map[string]map[string]string // guest name → field → value
	Roles  map[string][]string          // role → guest names, in plan order
}

// Resolve replaces all {{guests.X.F}}, {{roles.R.F}} and {{env.V}} in s.
// A role reference expands to the space separated field values of every
// guest in the role.
func Resolve(s string, ctx *Context) (string, error) {
	var resolveErr error

	result := guestRefRe.ReplaceAllStringFunc(s, func(match string) string {
		m := guestRefRe.FindStringSubmatch(match)
		name, field := m[1], m[2]
		val, err := ctx.guestField(name, field)
		if err != nil {
			resolveErr = err
			return match
		}
		return val
	})
	if resolveErr != nil {
		return "", resolveErr
	}

	result = roleRefRe.ReplaceAllStringFunc(result, func(match string) string {
		m := roleRefRe.FindStringSubmatch(match)
		role, field := m[1], m[2]
		names, ok := ctx.Roles[role]
		if !ok || len(names) == 0 {
			resolveErr = fmt.Errorf("unresolved role %q", role)
			return match
		}
		var vals []string
		for _, name := range names {
			val, err := ctx.guestField(name, field)
			if err != nil {
				resolveErr = err
				return match
			}
			vals = append(vals, val)
		}
		return strings.Join(vals, " ")
	})
	if resolveErr != nil {
		return "", resolveErr
	}

	result = envRefRe.ReplaceAllStringFunc(result, func(match string) string {
		m := envRefRe.FindStringSubmatch(match)
		name := m[1]
		val, ok := ctx.Env[name]
		if !ok {
			resolveErr = fmt.Errorf("unresolved environment variable %q", name)
			return match
		}
		return val
	})
	if resolveErr != nil {
		return "", resolveErr
	}

	return result, nil
}

func (ctx *Context) guestField(name, field string) (string, error) {
	fields, ok := ctx.Guests[name]
	if !ok {
		return "", fmt.Errorf("unresolved guest reference %q", name)
	}
	val, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("unresolved field %q on guest %q", field, name)
	}
	return val, nil
}

// References lists the guest names and roles s refers to, for validation
// before any guest exists.
func References(s string) (guests, roles []string) {
	for _, m := range guestRefRe.FindAllStringSubmatch(s, -1) {
		guests = append(guests, m[1])
	}
	for _, m := range roleRefRe.FindAllStringSubmatch(s, -1) {
		roles = append(roles, m[1])
	}
	return guests, roles
}
