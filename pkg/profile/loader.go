// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileProfile is the on-disk form of a profile. Files hold a map of
// profile id to definition; JSON files are read by the same parser.
//
//	sn63pb37:
//	  name: Sn63/Pb37 leaded
//	  waypoints:
//	    - [0, 25]
//	    - [90, 150]
type fileProfile struct {
	Name      string      `yaml:"name"`
	Waypoints [][]float64 `yaml:"waypoints"`
}

// Parse decodes a profile map from r. Profiles that fail validation are
// skipped and reported in the returned error; valid ones are still returned.
func Parse(r io.Reader) ([]*Profile, error) {
	var doc map[string]fileProfile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var profiles []*Profile
	var errs []error
	for _, id := range ids {
		p, err := doc[id].build(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, errors.Join(errs...)
}

func (fp fileProfile) build(id string) (*Profile, error) {
	waypoints := make([]Waypoint, 0, len(fp.Waypoints))
	for i, pair := range fp.Waypoints {
		if len(pair) != 2 {
			return nil, &InvalidProfileError{ID: id, Reason: fmt.Sprintf("waypoint %d must be [seconds, celsius]", i)}
		}
		waypoints = append(waypoints, Waypoint{
			Offset:      time.Duration(pair[0] * float64(time.Second)),
			Temperature: pair[1],
		})
	}
	return New(id, fp.Name, waypoints)
}

// LoadFile parses a single YAML or JSON profile file
func LoadFile(path string) ([]*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile file: %w", err)
	}
	defer f.Close()

	profiles, err := Parse(f)
	if err != nil {
		return profiles, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

func isProfileFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Load reads every path (file or directory of *.yaml, *.yml, *.json) and
// builds a store from the profiles that validate. The store is always
// returned; the error joins every refused profile and unreadable file.
func Load(paths ...string) (*Store, error) {
	var all []*Profile
	var errs []error

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to stat profile path: %w", err))
			continue
		}

		files := []string{path}
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to read profile dir %s: %w", path, err))
				continue
			}
			files = files[:0]
			for _, entry := range entries {
				if entry.IsDir() || !isProfileFile(entry.Name()) {
					continue
				}
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}

		for _, file := range files {
			profiles, err := LoadFile(file)
			all = append(all, profiles...)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	store, err := NewStore(all...)
	if err != nil {
		errs = append(errs, err)
	}
	return store, errors.Join(errs...)
}

// Builtin returns the stock Sn63/Pb37 and SAC305 curves, used when no
// profile paths are configured.
func Builtin() []*Profile {
	leaded, _ := New("sn63pb37", "Sn63/Pb37 leaded", []Waypoint{
		{Offset: 0, Temperature: 25},
		{Offset: 90 * time.Second, Temperature: 150},
		{Offset: 180 * time.Second, Temperature: 180},
		{Offset: 225 * time.Second, Temperature: 225},
		{Offset: 255 * time.Second, Temperature: 183},
	})
	leadFree, _ := New("sac305", "SAC305 lead-free", []Waypoint{
		{Offset: 0, Temperature: 25},
		{Offset: 90 * time.Second, Temperature: 150},
		{Offset: 180 * time.Second, Temperature: 200},
		{Offset: 225 * time.Second, Temperature: 245},
		{Offset: 255 * time.Second, Temperature: 217},
	})
	return []*Profile{leaded, leadFree}
}
