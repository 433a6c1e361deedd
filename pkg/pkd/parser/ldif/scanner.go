/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ldif

import (
	"bufio"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one LDIF record: a DN plus an attribute multimap. Values of
// base64 ("::") attributes are decoded bytes.
type Entry struct {
	DN         string
	Attributes map[string][][]byte
	Line       int // line number where the entry starts
}

// Values returns the values of an attribute, matching the name
// case-insensitively and ignoring options other than ;binary.
func (e *Entry) Values(name string) [][]byte {
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// Scanner is a pull-based RFC 2849 reader. Memory is bounded by the largest
// single entry; the file is never buffered whole.
type Scanner struct {
	r       *bufio.Reader
	line    int
	offset  int64
	peeked  *string
	sawLine bool
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Offset is the count of input bytes consumed so far, the progress
// numerator.
func (s *Scanner) Offset() int64 { return s.offset }

// Line is the current 1-based line number.
func (s *Scanner) Line() int { return s.line }

func (s *Scanner) readLine() (string, error) {
	if s.peeked != nil {
		l := *s.peeked
		s.peeked = nil
		return l, nil
	}
	line, err := s.r.ReadString('\n')
	if line != "" {
		s.line++
		s.offset += int64(len(line))
		s.sawLine = true
	}
	line = strings.TrimRight(line, "\r\n")
	if err == io.EOF && line != "" {
		return line, nil
	}
	return line, err
}

func (s *Scanner) unreadLine(l string) { s.peeked = &l }

// Next returns the next entry, io.EOF at end of input, or a framing error.
// Version and comment lines are skipped.
func (s *Scanner) Next() (*Entry, error) {
	// skip separators, comments, and the version line
	var first string
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(strings.ToLower(trimmed), "version:") {
			continue
		}
		first = line
		break
	}

	startLine := s.line
	if !strings.HasPrefix(strings.ToLower(first), "dn:") {
		return nil, errors.Errorf("line %d: entry does not start with dn:", s.line)
	}

	entry := &Entry{Attributes: map[string][][]byte{}, Line: startLine}

	_, dn, err := s.parseAttrLine(first)
	if err != nil {
		return nil, errors.Wrapf(err, "line %d", startLine)
	}
	entry.DN = string(dn)

	for {
		line, err := s.readLine()
		if err == io.EOF {
			return entry, nil
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			return entry, nil
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, value, err := s.parseAttrLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", s.line)
		}
		entry.Attributes[name] = append(entry.Attributes[name], value)
	}
}

// parseAttrLine unfolds continuation lines and decodes base64 values.
func (s *Scanner) parseAttrLine(line string) (string, []byte, error) {
	// RFC 2849 folding: any number of continuation lines starting with a
	// single space.
	var sb strings.Builder
	sb.WriteString(line)
	for {
		next, err := s.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if strings.HasPrefix(next, " ") {
			sb.WriteString(next[1:])
			continue
		}
		s.unreadLine(next)
		break
	}
	full := sb.String()

	idx := strings.Index(full, ":")
	if idx < 0 {
		return "", nil, errors.Errorf("attribute line without colon: %.40s", full)
	}
	name := strings.TrimSpace(full[:idx])
	rest := full[idx+1:]

	if strings.HasPrefix(rest, ":") {
		// base64 value
		raw := strings.TrimSpace(rest[1:])
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return "", nil, errors.Wrapf(err, "decoding base64 value of %s", name)
		}
		return name, decoded, nil
	}
	if strings.HasPrefix(rest, "<") {
		return "", nil, errors.Errorf("URL values are not supported (attribute %s)", name)
	}
	return name, []byte(strings.TrimSpace(rest)), nil
}
