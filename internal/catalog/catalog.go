// Package catalog loads the tool-matching rules and classifies processes
// against them. Rules are evaluated in file order; the first hit wins.
// The catalog is loaded once at startup and immutable afterwards.
package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule matches a process (comm, argv, env) and names the tool it runs.
type Rule struct {
	Name       string
	Attributes map[string]any

	comm         string
	argvContains []string
	argvRegex    *regexp.Regexp
	pkg          string
}

// RuleError is a startup configuration rejection with the offending line.
type RuleError struct {
	Line int
	Msg  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("catalog rule (line %d): %s", e.Line, e.Msg)
}

// rawRule is the YAML shape of one rule.
type rawRule struct {
	Name  string `yaml:"name"`
	Match struct {
		Comm         string   `yaml:"comm"`
		ArgvContains []string `yaml:"argv_contains"`
		ArgvRegex    string   `yaml:"argv_regex"`
		Package      string   `yaml:"package"`
	} `yaml:"match"`
	Attributes map[string]any `yaml:"attributes"`
}

// Catalog is an ordered, immutable rule set.
type Catalog struct {
	rules []Rule
}

// Load reads and compiles the rule file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse compiles a YAML rule sequence. Errors carry the source line.
func Parse(data []byte) (*Catalog, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Content) == 0 {
		return &Catalog{}, nil
	}
	seq := doc.Content[0]
	if seq.Kind != yaml.SequenceNode {
		return nil, &RuleError{Line: seq.Line, Msg: "top level must be a sequence of rules"}
	}

	c := &Catalog{rules: make([]Rule, 0, len(seq.Content))}
	for _, node := range seq.Content {
		var raw rawRule
		if err := node.Decode(&raw); err != nil {
			return nil, &RuleError{Line: node.Line, Msg: err.Error()}
		}
		if raw.Name == "" {
			return nil, &RuleError{Line: node.Line, Msg: "rule missing name"}
		}
		r := Rule{
			Name:         raw.Name,
			Attributes:   raw.Attributes,
			comm:         raw.Match.Comm,
			argvContains: raw.Match.ArgvContains,
			pkg:          raw.Match.Package,
		}
		if raw.Match.ArgvRegex != "" {
			re, err := regexp.Compile(raw.Match.ArgvRegex)
			if err != nil {
				return nil, &RuleError{Line: node.Line, Msg: fmt.Sprintf("argv_regex: %v", err)}
			}
			r.argvRegex = re
		}
		if r.comm == "" && len(r.argvContains) == 0 && r.argvRegex == nil && r.pkg == "" {
			return nil, &RuleError{Line: node.Line, Msg: "rule has no match criteria"}
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// Len returns the number of rules.
func (c *Catalog) Len() int { return len(c.rules) }

// Match classifies a process. Returns the first matching rule, or nil.
func (c *Catalog) Match(comm string, argv []string, env []string) *Rule {
	for i := range c.rules {
		if c.rules[i].matches(comm, argv, env) {
			return &c.rules[i]
		}
	}
	return nil
}

func (r *Rule) matches(comm string, argv []string, env []string) bool {
	if r.comm != "" && r.comm != comm {
		return false
	}
	if len(r.argvContains) > 0 {
		joined := strings.Join(argv, " ")
		for _, want := range r.argvContains {
			if !strings.Contains(joined, want) {
				return false
			}
		}
	}
	if r.argvRegex != nil && !r.argvRegex.MatchString(strings.Join(argv, " ")) {
		return false
	}
	if r.pkg != "" && !matchesBiocondaPackage(r.pkg, env) {
		return false
	}
	return r.comm != "" || len(r.argvContains) > 0 || r.argvRegex != nil || r.pkg != ""
}

// matchesBiocondaPackage checks the conda prefix env vars for the named
// bioconda package.
func matchesBiocondaPackage(pkg string, env []string) bool {
	for _, kv := range env {
		if strings.HasPrefix(kv, "CONDA_PREFIX=") || strings.HasPrefix(kv, "CONDA_DEFAULT_ENV=") {
			if strings.Contains(kv, pkg) {
				return true
			}
		}
	}
	return false
}
