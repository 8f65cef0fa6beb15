package extraction

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

//go:embed default_dictionary.yaml
var defaultDictionaryYAML []byte

// MatchKind records how a term was resolved against a table.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchAlias   MatchKind = "alias"
	MatchKeyword MatchKind = "keyword"
)

// Term is one dictionary row.
type Term struct {
	Code     string   `yaml:"code" json:"code,omitempty"`
	Name     string   `yaml:"name" json:"name"`
	Aliases  []string `yaml:"aliases" json:"aliases,omitempty"`
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
}

type needle struct {
	text string
	term int
	kind MatchKind
}

// Table resolves free-text terms to dictionary rows. Lookups are
// case-insensitive and prefer, in order: exact name or code, exact alias,
// then the longest name/alias/keyword contained in the term.
type Table struct {
	terms   []Term
	exact   map[string]int
	aliases map[string]int
	needles []needle // longest first
}

// NewTable indexes terms. Earlier rows win ties.
func NewTable(terms []Term) *Table {
	t := &Table{
		terms:   terms,
		exact:   make(map[string]int),
		aliases: make(map[string]int),
	}
	for i, term := range terms {
		for _, k := range []string{term.Name, term.Code} {
			if n := normalize(k); n != "" {
				if _, dup := t.exact[n]; !dup {
					t.exact[n] = i
				}
			}
		}
		if n := normalize(term.Name); n != "" {
			t.needles = append(t.needles, needle{text: n, term: i, kind: MatchKeyword})
		}
		for _, a := range term.Aliases {
			n := normalize(a)
			if n == "" {
				continue
			}
			if _, dup := t.aliases[n]; !dup {
				t.aliases[n] = i
			}
			t.needles = append(t.needles, needle{text: n, term: i, kind: MatchKeyword})
		}
		for _, kw := range term.Keywords {
			if n := normalize(kw); n != "" {
				t.needles = append(t.needles, needle{text: n, term: i, kind: MatchKeyword})
			}
		}
	}
	sort.SliceStable(t.needles, func(a, b int) bool {
		return len(t.needles[a].text) > len(t.needles[b].text)
	})
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.terms)
}

// Lookup resolves a single term.
func (t *Table) Lookup(term string) (Term, MatchKind, bool) {
	if t == nil {
		return Term{}, "", false
	}
	n := normalize(term)
	if n == "" {
		return Term{}, "", false
	}
	if i, ok := t.exact[n]; ok {
		return t.terms[i], MatchExact, true
	}
	if i, ok := t.aliases[n]; ok {
		return t.terms[i], MatchAlias, true
	}
	for _, nd := range t.needles {
		if containsWord(n, nd.text) {
			return t.terms[nd.term], MatchKeyword, true
		}
	}
	return Term{}, "", false
}

// Match is one occurrence found by FindAll.
type Match struct {
	Term     Term
	Position int
	Text     string
}

// FindAll scans free text and returns every distinct row mentioned, ordered
// by first position. Overlapping mentions resolve to the longest needle.
func (t *Table) FindAll(text string) []Match {
	if t == nil {
		return nil
	}
	n := normalize(text)
	if n == "" {
		return nil
	}

	taken := make([]bool, len(n))
	seen := make(map[int]bool)
	var out []Match
	for _, nd := range t.needles {
		for _, pos := range wordIndexes(n, nd.text) {
			if overlaps(taken, pos, len(nd.text)) {
				continue
			}
			for i := pos; i < pos+len(nd.text); i++ {
				taken[i] = true
			}
			if seen[nd.term] {
				continue
			}
			seen[nd.term] = true
			out = append(out, Match{Term: t.terms[nd.term], Position: pos, Text: nd.text})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Position < out[b].Position })
	return out
}

func overlaps(taken []bool, pos, length int) bool {
	for i := pos; i < pos+length && i < len(taken); i++ {
		if taken[i] {
			return true
		}
	}
	return false
}

// wordIndexes returns the byte offsets where needle occurs in hay on word
// boundaries. Both arguments must already be normalized.
func wordIndexes(hay, needle string) []int {
	var out []int
	if needle == "" {
		return out
	}
	start := 0
	for {
		i := strings.Index(hay[start:], needle)
		if i < 0 {
			return out
		}
		pos := start + i
		end := pos + len(needle)
		if (pos == 0 || hay[pos-1] == ' ') && (end == len(hay) || hay[end] == ' ') {
			out = append(out, pos)
		}
		start = pos + 1
		if start >= len(hay) {
			return out
		}
	}
}

func containsWord(hay, needle string) bool {
	return len(wordIndexes(hay, needle)) > 0
}

// Dictionary bundles the lookup tables the extractors consult.
type Dictionary struct {
	ICD           *Table
	Labs          *Table
	Qualities     *Table
	Relationships *Table
}

type dictionaryFile struct {
	ICD           []Term `yaml:"icd"`
	Labs          []Term `yaml:"labs"`
	Qualities     []Term `yaml:"qualities"`
	Relationships []Term `yaml:"relationships"`
}

// ParseDictionary decodes a YAML dictionary document.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var f dictionaryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode dictionary: %w", err)
	}
	if len(f.ICD)+len(f.Labs)+len(f.Qualities)+len(f.Relationships) == 0 {
		return nil, fmt.Errorf("dictionary has no entries")
	}
	for i, t := range f.ICD {
		if strings.TrimSpace(t.Code) == "" {
			return nil, fmt.Errorf("icd entry %d (%q) has no code", i, t.Name)
		}
	}
	return &Dictionary{
		ICD:           NewTable(f.ICD),
		Labs:          NewTable(f.Labs),
		Qualities:     NewTable(f.Qualities),
		Relationships: NewTable(f.Relationships),
	}, nil
}

var defaultDictionary = sync.OnceValue(func() *Dictionary {
	d, err := ParseDictionary(defaultDictionaryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded dictionary is invalid: %v", err))
	}
	return d
})

// DefaultDictionary returns the dictionary compiled into the binary. The
// returned value is shared and must not be modified.
func DefaultDictionary() *Dictionary {
	return defaultDictionary()
}

// LoadDictionary reads a dictionary file. An empty path yields the default.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return DefaultDictionary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary %s: %w", path, err)
	}
	return ParseDictionary(data)
}

// Store holds the active dictionary and allows it to be swapped while
// extractors are running.
type Store struct {
	current atomic.Pointer[Dictionary]
}

// NewStore returns a store initialised with d, or the default when d is nil.
func NewStore(d *Dictionary) *Store {
	if d == nil {
		d = DefaultDictionary()
	}
	s := &Store{}
	s.current.Store(d)
	return s
}

func (s *Store) Load() *Dictionary { return s.current.Load() }

func (s *Store) Swap(d *Dictionary) {
	if d != nil {
		s.current.Store(d)
	}
}
