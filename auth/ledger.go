// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package auth provides the client allow-list used to gate registration.
package auth

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyClientID  = errors.New("allow-list entry has no client id")
	ErrInvalidEntry   = errors.New("invalid allow-list entry")
	ErrUnknownOptions = errors.New("unknown allow-list entry option")
)

// RString is a rule value string.
type RString string

// Matches returns true if the rule matches a given string. An empty rule or "*"
// matches anything, and a trailing "*" matches by prefix.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && rr[:i] == a[:i] {
		return true
	}

	return false
}

// Rule permits a client id to register from a remote address.
type Rule struct {
	Client   RString `json:"client" yaml:"client"`                         // the id of a connecting client
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // ip or ip:port, empty for any
	Secure   bool    `json:"secure,omitempty" yaml:"secure,omitempty"`     // the client is on a secure network
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // explicitly refuse the client
}

// Matches returns true if the rule applies to the client id and address.
func (r Rule) Matches(id string, remote netip.AddrPort) bool {
	if !r.Client.Matches(id) {
		return false
	}

	if r.Remote == "" {
		return true
	}

	return r.Remote.Matches(remote.String()) || r.Remote.Matches(remote.Addr().String())
}

// Rules is an ordered list of rules. The first matching rule wins.
type Rules []Rule

// Ledger is an allow-list of clients.
type Ledger struct {
	sync.RWMutex `json:"-" yaml:"-"`
	Clients      Rules `json:"clients" yaml:"clients"`
}

// Update replaces the rules of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Clients = ln.Clients
}

// Len returns the number of rules in the ledger.
func (l *Ledger) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.Clients)
}

// Allowed returns the first rule matching the client and whether it permits registration.
func (l *Ledger) Allowed(id string, remote netip.AddrPort) (Rule, bool) {
	l.RLock()
	defer l.RUnlock()

	for _, rule := range l.Clients {
		if rule.Matches(id, remote) {
			return rule, !rule.Disallow
		}
	}

	return Rule{}, false
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML document into the ledger.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}

// UnmarshalList decodes the plain client list format: one client per line as
// `id[,address][,secure]`, with blank lines and lines starting with # ignored.
func (l *Ledger) UnmarshalList(data []byte) error {
	var rules Rules
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, err := parseListEntry(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		rules = append(rules, rule)
	}

	if err := sc.Err(); err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()
	l.Clients = append(l.Clients, rules...)
	return nil
}

func parseListEntry(line string) (Rule, error) {
	fields := strings.Split(line, ",")
	rule := Rule{Client: RString(strings.TrimSpace(fields[0]))}
	if rule.Client == "" {
		return rule, ErrEmptyClientID
	}

	for _, f := range fields[1:] {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
		case strings.EqualFold(f, "secure"), strings.EqualFold(f, "securenetwork"):
			rule.Secure = true
		case rule.Remote == "" && isAddress(f):
			rule.Remote = RString(f)
		default:
			return rule, fmt.Errorf("%w: %q", ErrUnknownOptions, f)
		}
	}

	return rule, nil
}

func isAddress(s string) bool {
	if _, err := netip.ParseAddrPort(s); err == nil {
		return true
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	return strings.HasSuffix(s, "*")
}

// Load reads a ledger from a file. Files ending in .json, .yaml or .yml are
// decoded as documents, anything else as a plain client list.
func Load(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client list: %w", err)
	}

	l := new(Ledger)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		err = l.Unmarshal(data)
	default:
		err = l.UnmarshalList(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEntry, path, err)
	}

	return l, nil
}
