// Package policy loads the mitigation policy from a YAML file and keeps the
// running engine in sync with it.
//
// A policy file only overrides what it names; everything else comes from the
// base policy (built-in defaults plus environment settings):
//
//	dos_block_threshold: 5
//	block_ttl: 24h
//	rate_limit_ttl: 10m
//	labels:
//	  8: exploit
//	  9: dos
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mbd888/mitigator/internal/mitigation"
	"gopkg.in/yaml.v3"
)

// File is the on-disk policy format. Nil fields keep the base value.
type File struct {
	DosBlockThreshold *int           `yaml:"dos_block_threshold"`
	BlockTTL          *time.Duration `yaml:"block_ttl"`
	RateLimitTTL      *time.Duration `yaml:"rate_limit_ttl"`
	Labels            map[int]string `yaml:"labels"`
}

// Parse decodes a policy document and merges it over base. Unknown keys are
// rejected so a typo cannot silently fall back to a default.
func Parse(data []byte, base *mitigation.Policy) (*mitigation.Policy, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return f.Apply(base)
}

// Apply merges f over base and validates the result.
func (f *File) Apply(base *mitigation.Policy) (*mitigation.Policy, error) {
	if base == nil {
		base = mitigation.DefaultPolicy()
	}
	p := base.Clone()

	if f.DosBlockThreshold != nil {
		p.DosBlockThreshold = *f.DosBlockThreshold
	}
	if f.BlockTTL != nil {
		p.BlockTTL = *f.BlockTTL
	}
	if f.RateLimitTTL != nil {
		p.RateLimitTTL = *f.RateLimitTTL
	}
	if len(f.Labels) > 0 {
		overrides := make(map[int]mitigation.Category, len(f.Labels))
		for label, name := range f.Labels {
			c, err := mitigation.ParseCategory(name)
			if err != nil {
				return nil, fmt.Errorf("%w: label %d: %v", mitigation.ErrInvalidPolicy, label, err)
			}
			overrides[label] = c
		}
		p = p.WithLabels(overrides)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads and parses the policy file at path. A missing file yields base
// unchanged. The returned hash covers the raw bytes on disk ("sha256:" of
// empty input when the file is absent).
func Load(path string, base *mitigation.Policy) (*mitigation.Policy, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if base == nil {
				base = mitigation.DefaultPolicy()
			}
			return base.Clone(), hashBytes(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read policy file: %w", err)
	}

	p, err := Parse(data, base)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return p, hashBytes(data), nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
