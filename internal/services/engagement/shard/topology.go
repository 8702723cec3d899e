// Package shard maps engagement keys onto a fixed set of shard groups, each
// with one writable primary and zero or more read replicas.
package shard

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTopology indicates shard boundaries do not partition the full
// key range. This is a fatal configuration error surfaced at startup.
var ErrInvalidTopology = errors.New("invalid shard topology")

// GroupConfig declares one shard group's key range and stores.
type GroupConfig struct {
	Name     string   `yaml:"name"`
	Lo       int64    `yaml:"lo"`
	Hi       int64    `yaml:"hi"`
	Primary  string   `yaml:"primary"`
	Replicas []string `yaml:"replicas"`
}

// Topology declares the full shard layout: a hash range size and the groups
// tiling it.
type Topology struct {
	Range  int64         `yaml:"range"`
	Groups []GroupConfig `yaml:"groups"`
}

// LoadTopology reads a YAML topology file.
func LoadTopology(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology file: %w", err)
	}
	var topology Topology
	if err := yaml.Unmarshal(raw, &topology); err != nil {
		return Topology{}, fmt.Errorf("parse topology file: %w", err)
	}
	return topology, nil
}

// Validate checks that the groups tile [0, Range) with no gaps or overlaps.
func (t Topology) Validate() error {
	if t.Range <= 0 {
		return fmt.Errorf("%w: range must be positive, got %d", ErrInvalidTopology, t.Range)
	}
	if len(t.Groups) == 0 {
		return fmt.Errorf("%w: no shard groups", ErrInvalidTopology)
	}
	groups := make([]GroupConfig, len(t.Groups))
	copy(groups, t.Groups)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Lo < groups[j].Lo })

	next := int64(0)
	for _, group := range groups {
		if strings.TrimSpace(group.Primary) == "" {
			return fmt.Errorf("%w: group %q has no primary", ErrInvalidTopology, group.Name)
		}
		if group.Lo > group.Hi {
			return fmt.Errorf("%w: group %q bounds [%d, %d] are inverted", ErrInvalidTopology, group.Name, group.Lo, group.Hi)
		}
		if group.Lo != next {
			return fmt.Errorf("%w: group %q starts at %d, want %d", ErrInvalidTopology, group.Name, group.Lo, next)
		}
		next = group.Hi + 1
	}
	if next != t.Range {
		return fmt.Errorf("%w: groups end at %d, want %d", ErrInvalidTopology, next, t.Range)
	}
	return nil
}
