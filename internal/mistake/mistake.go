// Package mistake decides whether an automated answer should be correct and,
// when it should not, which kind of wrong answer to give.
//
// Decide is a pure function of its inputs; every random draw comes from the
// injected Rand so a seeded source reproduces decisions exactly.
package mistake

import (
	"fmt"
	"strings"
)

// Kind is the strategy chosen for an answer.
type Kind int

const (
	Correct Kind = iota
	Blank
	Lowercased
	Synonym
)

func (k Kind) String() string {
	switch k {
	case Correct:
		return "correct"
	case Blank:
		return "blank"
	case Lowercased:
		return "lowercased"
	case Synonym:
		return "synonym"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsMistake reports whether the answer is deliberately wrong.
func (k Kind) IsMistake() bool { return k != Correct }

// Answer is what gets typed into the quiz. Text is empty for Blank.
type Answer struct {
	Kind Kind
	Text string
}

// Rand is the subset of *math/rand.Rand Decide needs.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// Policy holds the per-profile knobs.
type Policy struct {
	BaseMemorizeChance  float64
	MemorizeRequirement int
	MistakeChance       float64
	SynonymChance       float64
	LowercaseChance     float64
	Curve               Curve
}

// Input describes one presented item.
//
// Canonical is the known correct answer (empty when the item has never been
// recorded). Known lists other acceptable answers seen for the same meaning;
// Canonical may or may not appear in it.
type Input struct {
	Exposure  int
	Canonical string
	Known     []string
	Repeat    bool
}

// Probability returns the effective mistake probability for an exposure count.
// It is non-increasing in exposure and equals MistakeChance once exposure
// reaches MemorizeRequirement.
func (p Policy) Probability(exposure int) float64 {
	if exposure < 0 {
		exposure = 0
	}
	curve := p.Curve
	if curve == nil {
		curve = Linear{}
	}
	u := clamp01(curve.Unknown(exposure, p.MemorizeRequirement, clamp01(p.BaseMemorizeChance)))
	if exposure >= p.MemorizeRequirement {
		u = 0
	}
	floor := clamp01(p.MistakeChance)
	return 1 - (1-u)*(1-floor)
}

// Decide picks the answer for one item.
func Decide(in Input, p Policy, rng Rand) Answer {
	canonical := strings.TrimSpace(in.Canonical)

	if canonical == "" {
		// Nothing to get right: guess a related answer or give up.
		if alt, ok := pickAlternative(in.Known, "", rng); ok && check(p.SynonymChance, rng) {
			return Answer{Kind: Synonym, Text: alt}
		}
		return Answer{Kind: Blank}
	}
	if in.Repeat {
		return Answer{Kind: Correct, Text: canonical}
	}

	if !check(p.Probability(in.Exposure), rng) {
		return Answer{Kind: Correct, Text: canonical}
	}

	switch pickStrategy(p, rng) {
	case Synonym:
		if alt, ok := pickAlternative(in.Known, canonical, rng); ok {
			return Answer{Kind: Synonym, Text: alt}
		}
		if lower, ok := lowered(canonical); ok {
			return Answer{Kind: Lowercased, Text: lower}
		}
	case Lowercased:
		if lower, ok := lowered(canonical); ok {
			return Answer{Kind: Lowercased, Text: lower}
		}
	}
	return Answer{Kind: Blank}
}

func pickStrategy(p Policy, rng Rand) Kind {
	syn := clamp01(p.SynonymChance)
	low := clamp01(p.LowercaseChance)
	r := rng.Float64()
	switch {
	case r < syn:
		return Synonym
	case r < syn+low:
		return Lowercased
	default:
		return Blank
	}
}

// pickAlternative returns a random entry of known that differs from exclude.
func pickAlternative(known []string, exclude string, rng Rand) (string, bool) {
	alts := make([]string, 0, len(known))
	seen := make(map[string]struct{}, len(known))
	for _, k := range known {
		k = strings.TrimSpace(k)
		if k == "" || k == exclude {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		alts = append(alts, k)
	}
	if len(alts) == 0 {
		return "", false
	}
	return alts[rng.Intn(len(alts))], true
}

// lowered reports false when lowering would not change the text, since that
// would submit the correct answer.
func lowered(s string) (string, bool) {
	l := strings.ToLower(s)
	return l, l != s
}

func check(chance float64, rng Rand) bool {
	if chance <= 0 {
		return false
	}
	if chance >= 1 {
		return true
	}
	return rng.Float64() < chance
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
