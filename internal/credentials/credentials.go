// Package credentials reads and writes the INI credentials file shared by
// every API client. Each integration owns one section (for example
// "TdaAmeritrade" or "Robinhood") and token refreshes persist back into it.
package credentials

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// ErrNotFound is returned when the credentials file does not exist.
var ErrNotFound = errors.New("credentials file not found")

// Section is a named group of string key/value credential pairs.
type Section map[string]string

// Load reads all sections from the credentials file.
// Returns ErrNotFound if the file does not exist.
func Load(file string) (map[string]Section, error) {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, file)
	}

	cfg, err := ini.Load(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", file, err)
	}

	sections := make(map[string]Section)
	for _, s := range cfg.Sections() {
		if s.Name() == ini.DefaultSection && len(s.Keys()) == 0 {
			continue
		}
		values := make(Section, len(s.Keys()))
		for _, k := range s.Keys() {
			values[k.Name()] = k.Value()
		}
		sections[s.Name()] = values
	}

	return sections, nil
}

// LoadSection reads a single section from the credentials file.
// A missing section is not an error; the returned map is empty.
func LoadSection(file, section string) (Section, error) {
	sections, err := Load(file)
	if err != nil {
		return nil, err
	}
	values, ok := sections[section]
	if !ok {
		return Section{}, nil
	}
	return values, nil
}

// Save writes the given keys into a section, creating the file and the
// section as needed. Keys not present in values are left untouched.
// The write is a whole-file replace; the last writer wins.
func Save(file, section string, values Section) error {
	cfg := ini.Empty()
	if _, err := os.Stat(file); err == nil {
		cfg, err = ini.Load(file)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", file, err)
		}
	}

	s := cfg.Section(section)
	for key, value := range values {
		s.Key(key).SetValue(value)
	}

	if err := cfg.SaveTo(file); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}

	return nil
}
