package config

import (
	"strings"
	"unicode"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// AllEvents is the enable-specification that turns on every event code
const AllEvents = "all"

// EnabledSet is the set of event codes the capture API records.
// It is a bit mask indexed by event code id, so membership is a shift and an and.
type EnabledSet uint64

// Contains reports whether code is enabled
func (s EnabledSet) Contains(code domain.EventCode) bool {
	return s.ContainsID(code.ID)
}

// ContainsID reports whether the code with the given id is enabled
func (s EnabledSet) ContainsID(id int32) bool {
	if id <= 0 || id >= domain.MaxEventCodeID {
		return false
	}
	return s&(1<<uint(id)) != 0
}

// With returns a copy of the set with the given codes added
func (s EnabledSet) With(codes ...domain.EventCode) EnabledSet {
	for _, code := range codes {
		if code.ID > 0 && code.ID < domain.MaxEventCodeID {
			s |= 1 << uint(code.ID)
		}
	}
	return s
}

// IsEmpty reports whether no code is enabled
func (s EnabledSet) IsEmpty() bool {
	return s == 0
}

// Codes lists the enabled codes ordered by id
func (s EnabledSet) Codes() []domain.EventCode {
	var codes []domain.EventCode
	for _, code := range domain.EventCodes() {
		if s.Contains(code) {
			codes = append(codes, code)
		}
	}
	return codes
}

// String renders the set as a comma separated list of names
func (s EnabledSet) String() string {
	codes := s.Codes()
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = code.Name
	}
	return strings.Join(names, ",")
}

// AllEnabled returns the set of every known event code
func AllEnabled() EnabledSet {
	return EnabledSet(0).With(domain.EventCodes()...)
}

// Parse turns an enable-specification into an EnabledSet.
// Unknown names are dropped; use ParseWithUnknown to see them.
func Parse(spec string) EnabledSet {
	set, _ := ParseWithUnknown(spec)
	return set
}

// ParseWithUnknown parses an enable-specification and also returns the tokens that
// did not name a known event code. The specification is either "all" or a list of
// names separated by commas and/or whitespace; matching ignores case.
func ParseWithUnknown(spec string) (EnabledSet, []string) {
	tokens := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	var (
		set     EnabledSet
		unknown []string
	)
	for _, token := range tokens {
		if strings.EqualFold(token, AllEvents) {
			set = AllEnabled()
			continue
		}
		code, ok := domain.EventCodeByName(token)
		if !ok {
			unknown = append(unknown, token)
			continue
		}
		set = set.With(code)
	}
	return set, unknown
}
