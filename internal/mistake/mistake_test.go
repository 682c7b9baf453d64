package mistake

import (
	"math"
	"math/rand"
	"strings"
	"testing"
)

func testPolicy(c Curve) Policy {
	return Policy{
		BaseMemorizeChance:  0.2,
		MemorizeRequirement: 3,
		MistakeChance:       0.025,
		SynonymChance:       0.75,
		LowercaseChance:     0.15,
		Curve:               c,
	}
}

// fixedRand replays scripted Float64 values and always picks index 0.
type fixedRand struct {
	floats []float64
	i      int
}

func (f *fixedRand) Float64() float64 {
	if f.i >= len(f.floats) {
		return 0.999
	}
	v := f.floats[f.i]
	f.i++
	return v
}

func (f *fixedRand) Intn(int) int { return 0 }

func TestProbabilityMonotoneAndFloor(t *testing.T) {
	t.Parallel()

	for _, c := range []Curve{Linear{}, Step{}, Exponential{}} {
		p := testPolicy(c)
		prev := math.Inf(1)
		for e := 0; e <= 10; e++ {
			got := p.Probability(e)
			if got > prev+1e-12 {
				t.Fatalf("%s: probability increased at exposure %d: %v > %v", c.Name(), e, got, prev)
			}
			if e >= p.MemorizeRequirement && math.Abs(got-p.MistakeChance) > 1e-12 {
				t.Fatalf("%s: exposure %d probability = %v, want floor %v", c.Name(), e, got, p.MistakeChance)
			}
			prev = got
		}
		// Base case: 1 - base memorize chance, combined with the floor.
		want := 1 - (1-0.8)*(1-0.025)
		if got := p.Probability(0); math.Abs(got-want) > 1e-12 {
			t.Fatalf("%s: exposure 0 probability = %v, want %v", c.Name(), got, want)
		}
	}
}

func TestLinearMatchesInterpolation(t *testing.T) {
	t.Parallel()

	p := testPolicy(nil)
	// exposure 1 of 3: unknown = (2/3)*0.8
	u := (2.0 / 3.0) * 0.8
	want := 1 - (1-u)*(1-0.025)
	if got := p.Probability(1); math.Abs(got-want) > 1e-12 {
		t.Fatalf("Probability(1) = %v, want %v", got, want)
	}
}

func TestDecideSeededIsReproducible(t *testing.T) {
	t.Parallel()

	in := Input{Exposure: 0, Canonical: "House", Known: []string{"home", "House"}}
	p := testPolicy(Linear{})

	run := func() []Answer {
		rng := rand.New(rand.NewSource(42))
		out := make([]Answer, 50)
		for i := range out {
			out[i] = Decide(in, p, rng)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestSynonymNeverWithoutAlternative(t *testing.T) {
	t.Parallel()

	p := testPolicy(Linear{})
	p.SynonymChance = 1
	p.LowercaseChance = 0
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		got := Decide(Input{Canonical: "Tree", Known: []string{"Tree", " "}}, p, rng)
		if got.Kind == Synonym {
			t.Fatalf("synonym chosen without alternative: %+v", got)
		}
		if got.Kind == Lowercased && got.Text != "tree" {
			t.Fatalf("lowercased fallback = %q", got.Text)
		}
	}
}

func TestLowercasedIsLower(t *testing.T) {
	t.Parallel()

	p := testPolicy(Step{})
	p.SynonymChance = 0
	p.LowercaseChance = 1
	rng := rand.New(rand.NewSource(3))

	seen := false
	for i := 0; i < 500; i++ {
		got := Decide(Input{Canonical: "NeW YoRK"}, p, rng)
		if got.Kind != Lowercased {
			continue
		}
		seen = true
		if got.Text != strings.ToLower(got.Text) || got.Text != "new york" {
			t.Fatalf("lowercased output not lower: %q", got.Text)
		}
	}
	if !seen {
		t.Fatalf("expected at least one lowercased answer")
	}
}

func TestDecideStrategies(t *testing.T) {
	t.Parallel()

	p := testPolicy(Linear{})
	tests := []struct {
		name   string
		in     Input
		floats []float64
		want   Answer
	}{
		{
			name:   "correct when draw above probability",
			in:     Input{Canonical: "cat"},
			floats: []float64{0.99},
			want:   Answer{Kind: Correct, Text: "cat"},
		},
		{
			name:   "repeat is always correct",
			in:     Input{Canonical: "cat", Repeat: true},
			floats: []float64{0},
			want:   Answer{Kind: Correct, Text: "cat"},
		},
		{
			name:   "synonym",
			in:     Input{Canonical: "cat", Known: []string{"cat", "kitty"}},
			floats: []float64{0, 0.1},
			want:   Answer{Kind: Synonym, Text: "kitty"},
		},
		{
			name:   "synonym falls back to blank when already lower",
			in:     Input{Canonical: "cat", Known: []string{"cat"}},
			floats: []float64{0, 0.1},
			want:   Answer{Kind: Blank},
		},
		{
			name:   "lowercase band",
			in:     Input{Canonical: "Cat"},
			floats: []float64{0, 0.8},
			want:   Answer{Kind: Lowercased, Text: "cat"},
		},
		{
			name:   "lowercase band falls back to blank when already lower",
			in:     Input{Canonical: "cat", Known: []string{"kitty"}},
			floats: []float64{0, 0.8},
			want:   Answer{Kind: Blank},
		},
		{
			name:   "blank band",
			in:     Input{Canonical: "Cat", Known: []string{"kitty"}},
			floats: []float64{0, 0.95},
			want:   Answer{Kind: Blank},
		},
		{
			name:   "unknown item guesses synonym",
			in:     Input{Known: []string{"kitty"}},
			floats: []float64{0.5},
			want:   Answer{Kind: Synonym, Text: "kitty"},
		},
		{
			name:   "unknown item gives up",
			in:     Input{Known: []string{"kitty"}},
			floats: []float64{0.9},
			want:   Answer{Kind: Blank},
		},
		{
			name: "unknown item without alternatives",
			in:   Input{},
			want: Answer{Kind: Blank},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.in, p, &fixedRand{floats: tc.floats})
			if got != tc.want {
				t.Fatalf("Decide = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCurveByName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]string{"": "linear", "STEP": "step", "exp": "exponential"} {
		c, err := CurveByName(name)
		if err != nil || c.Name() != want {
			t.Fatalf("CurveByName(%q) = %v, %v", name, c, err)
		}
	}
	if _, err := CurveByName("cubic"); err == nil {
		t.Fatalf("expected error for unknown curve")
	}
}
