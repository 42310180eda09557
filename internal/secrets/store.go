// Package secrets keeps credentials in an env file and never hands their
// values to anything but the components that use them.
package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Well-known keys
const (
	KeyGitHubToken   = "GITHUB_PAT"
	KeyCompletionKey = "COMPLETION_API_KEY"
)

// aliases are consulted in order when the primary key is unset
var aliases = map[string][]string{
	KeyGitHubToken:   {"GITHUB_TOKEN"},
	KeyCompletionKey: {"NVIDIA_API_KEY", "OPENAI_API_KEY"},
}

// Status reports which secrets are configured without revealing them
type Status struct {
	GitHubTokenSet   bool `json:"github_token_set"`
	CompletionKeySet bool `json:"completion_key_set"`
}

// Store is an env-file backed secret store. Values in the file win over the
// process environment.
type Store struct {
	path      string
	lookupEnv func(string) (string, bool)

	mu     sync.RWMutex
	values map[string]string
}

// NewStore loads the env file at path. A missing file is not an error.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:      path,
		lookupEnv: os.LookupEnv,
		values:    make(map[string]string),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the env file location
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the env file
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.values = make(map[string]string)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading secrets: %w", err)
	}

	values, err := parseEnv(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Get returns the value for key, falling back to its aliases and then the environment
func (s *Store) Get(key string) string {
	keys := append([]string{key}, aliases[key]...)

	s.mu.RLock()
	for _, k := range keys {
		if v := s.values[k]; v != "" {
			s.mu.RUnlock()
			return v
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if v, ok := s.lookupEnv(k); ok && v != "" {
			return v
		}
	}
	return ""
}

// GitHubToken returns the token used for clone, push and CI polling
func (s *Store) GitHubToken() string {
	return s.Get(KeyGitHubToken)
}

// CompletionKey returns the completion service API key
func (s *Store) CompletionKey() string {
	return s.Get(KeyCompletionKey)
}

// Status reports presence only
func (s *Store) Status() Status {
	return Status{
		GitHubTokenSet:   s.GitHubToken() != "",
		CompletionKeySet: s.CompletionKey() != "",
	}
}

// Set stores the non-empty values in updates and rewrites the env file
func (s *Store) Set(updates map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for k, v := range updates {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.ContainsAny(k, "= \t\n") || k == "" {
			return fmt.Errorf("invalid secret key %q", k)
		}
		if strings.ContainsAny(v, "\n\r") {
			return fmt.Errorf("secret %s contains a newline", k)
		}
		s.values[k] = v
		changed = true
	}
	if !changed || s.path == "" {
		return nil
	}
	return writeEnvAtomic(s.path, s.values)
}

func parseEnv(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		values[key] = value
	}
	return values, scanner.Err()
}

func writeEnvAtomic(path string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, values[k])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".secrets-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
