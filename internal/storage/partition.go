// Package storage holds helpers shared by the run store backends: partition
// naming and per-partition write serialization.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const maxSlugLen = 40

var (
	validTableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	slugInvalid    = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Slug maps a profile name onto a table-name-safe partition suffix. Names
// that are already safe map to themselves; lossy conversions get a short
// digest suffix so distinct profiles never share a partition.
func Slug(profile string) (string, error) {
	if strings.TrimSpace(profile) == "" {
		return "", fmt.Errorf("profile name is required")
	}
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(profile), "_"), "_")
	if slug == "" || (slug[0] >= '0' && slug[0] <= '9') {
		slug = "p_" + slug
	}
	if slug != profile || len(slug) > maxSlugLen {
		sum := sha256.Sum256([]byte(profile))
		if len(slug) > maxSlugLen {
			slug = slug[:maxSlugLen]
		}
		slug = strings.TrimRight(slug, "_") + "_" + hex.EncodeToString(sum[:4])
	}
	if !validTableName.MatchString(slug) {
		return "", fmt.Errorf("invalid partition name %q", slug)
	}
	return slug, nil
}

// Tables names the per-profile item tables.
type Tables struct {
	Raw    string
	Unique string
}

// TablesFor returns the item tables of profile.
func TablesFor(profile string) (Tables, error) {
	slug, err := Slug(profile)
	if err != nil {
		return Tables{}, err
	}
	return Tables{Raw: "items_raw_" + slug, Unique: "items_unique_" + slug}, nil
}

// PartitionLocks serializes writes per profile while letting different
// profiles proceed concurrently.
type PartitionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the lock of profile and returns its release func.
func (p *PartitionLocks) Lock(profile string) func() {
	p.mu.Lock()
	if p.locks == nil {
		p.locks = make(map[string]*sync.Mutex)
	}
	l, ok := p.locks[profile]
	if !ok {
		l = &sync.Mutex{}
		p.locks[profile] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
