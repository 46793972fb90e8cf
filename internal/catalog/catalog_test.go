package catalog

import (
	"errors"
	"testing"
)

// --- helpers ---------------------------------------------------------------

const sampleRules = `
- name: bwa-mem
  match:
    comm: bwa
    argv_contains: ["mem"]
- name: bwa
  match:
    comm: bwa
- name: star
  match:
    argv_regex: "STAR\\s+--runMode"
  attributes:
    category: aligner
- name: samtools
  match:
    package: samtools
`

// --- tests -----------------------------------------------------------------

func TestParseAndMatchPrecedence(t *testing.T) {
	c, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 4 {
		t.Fatalf("rules = %d, want 4", c.Len())
	}

	// First match wins: "bwa mem" hits bwa-mem before the bare bwa rule.
	r := c.Match("bwa", []string{"bwa", "mem", "ref.fa"}, nil)
	if r == nil || r.Name != "bwa-mem" {
		t.Fatalf("match = %+v, want bwa-mem", r)
	}

	// Without "mem" in argv, the broader rule catches it.
	r = c.Match("bwa", []string{"bwa", "index"}, nil)
	if r == nil || r.Name != "bwa" {
		t.Fatalf("match = %+v, want bwa", r)
	}
}

func TestMatchRegex(t *testing.T) {
	c, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	r := c.Match("STAR", []string{"STAR", "--runMode", "alignReads"}, nil)
	if r == nil || r.Name != "star" {
		t.Fatalf("match = %+v, want star", r)
	}
	if r.Attributes["category"] != "aligner" {
		t.Errorf("attributes not carried: %v", r.Attributes)
	}
}

func TestMatchBiocondaPackage(t *testing.T) {
	c, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	env := []string{"CONDA_PREFIX=/opt/conda/envs/samtools-1.17"}
	r := c.Match("samtools", []string{"samtools", "sort"}, env)
	if r == nil || r.Name != "samtools" {
		t.Fatalf("match = %+v, want samtools", r)
	}
	if got := c.Match("samtools", []string{"samtools"}, nil); got != nil {
		t.Errorf("package rule matched without conda env: %+v", got)
	}
}

func TestNoMatch(t *testing.T) {
	c, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatal(err)
	}
	if r := c.Match("sleep", []string{"sleep", "10"}, nil); r != nil {
		t.Errorf("unexpected match: %+v", r)
	}
}

func TestBadRegexReportsLine(t *testing.T) {
	bad := "- name: broken\n  match:\n    argv_regex: \"([\"\n"
	_, err := Parse([]byte(bad))
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("error type %T, want *RuleError", err)
	}
	if re.Line != 1 {
		t.Errorf("line = %d, want 1", re.Line)
	}
}

func TestRuleWithoutCriteriaRejected(t *testing.T) {
	_, err := Parse([]byte("- name: empty\n"))
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("error type %T, want *RuleError", err)
	}
}

func TestRuleWithoutNameRejected(t *testing.T) {
	_, err := Parse([]byte("- match:\n    comm: x\n"))
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("error type %T, want *RuleError", err)
	}
}

func TestTopLevelMappingRejected(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - name: x\n"))
	var re *RuleError
	if !errors.As(err, &re) {
		t.Fatalf("error type %T, want *RuleError", err)
	}
}

func TestEmptyCatalogMatchesNothing(t *testing.T) {
	c := &Catalog{}
	if c.Match("bwa", nil, nil) != nil {
		t.Error("empty catalog must never match")
	}
}
