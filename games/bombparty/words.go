package bombparty

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/language"
)

//go:embed words/*.json
var wordFiles embed.FS

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrEmptyPool       = errors.New("word pool is empty")
)

// Category is a named group of candidate words or phrases.
type Category struct {
	Name  string   `json:"name"`
	Words []string `json:"words"`
}

// WordPool holds the categories for one language, in display order.
type WordPool struct {
	Lang       language.Tag
	Categories []Category
}

func (p *WordPool) CategoryNames() []string {
	names := make([]string, 0, len(p.Categories))
	for _, c := range p.Categories {
		names = append(names, c.Name)
	}
	return names
}

func (p *WordPool) HasCategory(name string) bool {
	return slices.ContainsFunc(p.Categories, func(c Category) bool {
		return c.Name == name
	})
}

// Candidates returns the words of the named category, or every word of
// every category when name is empty.
func (p *WordPool) Candidates(name string) ([]string, error) {
	if name != "" {
		for _, c := range p.Categories {
			if c.Name == name {
				return c.Words, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}

	var all []string
	for _, c := range p.Categories {
		all = append(all, c.Words...)
	}
	return all, nil
}

// Pick selects one candidate uniformly at random using intN, which must
// return a value in [0, n). Words may repeat across calls.
func (p *WordPool) Pick(name string, intN func(int) int) (string, error) {
	candidates, err := p.Candidates(name)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrEmptyPool
	}
	return candidates[intN(len(candidates))], nil
}

// Pools maps languages to their word pools.
type Pools struct {
	pools   map[language.Tag]*WordPool
	tags    []language.Tag
	matcher language.Matcher
}

// LoadPools parses the embedded word tables, one file per language
// named after its BCP 47 tag.
func LoadPools() (*Pools, error) {
	entries, err := wordFiles.ReadDir("words")
	if err != nil {
		return nil, err
	}

	var pools []*WordPool
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".json" {
			continue
		}

		tag, err := language.Parse(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("word file %s: %w", name, err)
		}

		data, err := wordFiles.ReadFile("words/" + name)
		if err != nil {
			return nil, err
		}

		pool, err := ParsePool(tag, data)
		if err != nil {
			return nil, fmt.Errorf("word file %s: %w", name, err)
		}
		pools = append(pools, pool)
	}

	return NewPools(pools...)
}

func ParsePool(tag language.Tag, data []byte) (*WordPool, error) {
	var categories []Category
	if err := json.Unmarshal(data, &categories); err != nil {
		return nil, err
	}

	for _, c := range categories {
		if c.Name == "" {
			return nil, errors.New("category without name")
		}
		if len(c.Words) == 0 {
			return nil, fmt.Errorf("category %q has no words", c.Name)
		}
	}

	return &WordPool{Lang: tag, Categories: categories}, nil
}

// NewPools indexes pools by language. The first pool is the fallback.
func NewPools(pools ...*WordPool) (*Pools, error) {
	if len(pools) == 0 {
		return nil, ErrEmptyPool
	}

	p := &Pools{pools: make(map[language.Tag]*WordPool, len(pools))}
	for _, pool := range pools {
		if _, exists := p.pools[pool.Lang]; exists {
			return nil, fmt.Errorf("duplicate word pool for %s", pool.Lang)
		}
		p.pools[pool.Lang] = pool
		p.tags = append(p.tags, pool.Lang)
	}
	p.matcher = language.NewMatcher(p.tags)

	return p, nil
}

func (p *Pools) Languages() []language.Tag {
	return slices.Clone(p.tags)
}

// Get returns the pool for tag, if one exists exactly.
func (p *Pools) Get(tag language.Tag) (*WordPool, bool) {
	pool, ok := p.pools[tag]
	return pool, ok
}

// Match picks the best pool for the given preferences, e.g. an explicit
// language choice followed by an Accept-Language header.
func (p *Pools) Match(prefs ...string) *WordPool {
	var tags []language.Tag
	for _, pref := range prefs {
		if pref == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(pref)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}

	_, idx, _ := p.matcher.Match(tags...)
	return p.pools[p.tags[idx]]
}
