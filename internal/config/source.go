package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Source is the read-only view over environment configuration handed to the
// composition root. Business logic never reads the process environment
// directly.
type Source struct {
	v *viper.Viper
}

// FromEnv builds a Source backed by the process environment.
func FromEnv() *Source {
	v := viper.New()
	v.AutomaticEnv()
	return &Source{v: v}
}

// NewSource wraps an existing viper instance. Tests typically construct one
// with viper.New() and v.Set(...).
func NewSource(v *viper.Viper) *Source {
	if v == nil {
		v = viper.New()
	}
	return &Source{v: v}
}

// Lookup returns the trimmed value for name and whether it is non-empty.
func (s *Source) Lookup(name string) (string, bool) {
	if s == nil || s.v == nil {
		return "", false
	}
	value := strings.TrimSpace(s.v.GetString(name))
	return value, value != ""
}

// String returns the value for name or fallback when unset.
func (s *Source) String(name, fallback string) string {
	if value, ok := s.Lookup(name); ok {
		return value
	}
	return fallback
}

// Int returns the integer value for name or fallback when unset or invalid.
func (s *Source) Int(name string, fallback int) int {
	if _, ok := s.Lookup(name); !ok {
		return fallback
	}
	return s.v.GetInt(name)
}

// Bool interprets the value for name as a boolean flag. "1", "true", "yes"
// and "on" are truthy; anything else, including unset, is false.
func (s *Source) Bool(name string) bool {
	value, ok := s.Lookup(name)
	if !ok {
		return false
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Set overrides a value, used by tests to toggle flags between runs.
func (s *Source) Set(name, value string) {
	if s == nil || s.v == nil {
		return
	}
	s.v.Set(name, value)
}
