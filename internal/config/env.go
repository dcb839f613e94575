package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env reads typed overrides from environment variables. Malformed values
// keep the default and are reported by Err, so a typo in a deployment
// manifest fails startup instead of being ignored.
type Env struct {
	lookup func(string) (string, bool)
	errs   []error
}

// NewEnv reads from the process environment.
func NewEnv() *Env {
	return &Env{lookup: os.LookupEnv}
}

// NewEnvFrom reads from a fixed set of variables.
func NewEnvFrom(vars map[string]string) *Env {
	return &Env{lookup: func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}}
}

// Err joins every problem seen so far.
func (e *Env) Err() error {
	return errors.Join(e.errs...)
}

// value returns the trimmed variable; an empty value counts as unset.
func (e *Env) value(key string) (string, bool) {
	raw, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func parsed[T any](e *Env, key string, def T, parse func(string) (T, error)) T {
	raw, ok := e.value(key)
	if !ok {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
		return def
	}
	return v
}

func (e *Env) String(key, def string) string {
	return parsed(e, key, def, func(s string) (string, error) { return s, nil })
}

func (e *Env) Int(key string, def int) int {
	return parsed(e, key, def, strconv.Atoi)
}

func (e *Env) Duration(key string, def time.Duration) time.Duration {
	return parsed(e, key, def, time.ParseDuration)
}

// List splits a comma-separated variable and drops empty items. Unlike the
// scalar readers, a variable that is set but empty yields an empty list.
func (e *Env) List(key string, def []string) []string {
	raw, ok := e.lookup(key)
	if !ok {
		return def
	}
	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// SecretFile reads the file named by key, as mounted by Docker or
// Kubernetes secrets. An unset key returns def; an unreadable file is an error.
func (e *Env) SecretFile(key, def string) string {
	path, ok := e.value(key)
	if !ok {
		return def
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	if secret := strings.TrimSpace(string(data)); secret != "" {
		return secret
	}
	return def
}

// GetEnv returns the variable or def when it is unset or empty.
func GetEnv(key, def string) string {
	return NewEnv().String(key, def)
}
