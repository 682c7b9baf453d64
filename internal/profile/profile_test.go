package profile

import (
	"math/rand"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "19:33", want: Clock{19, 33, 0}},
		{in: " 07:05:09 ", want: Clock{7, 5, 9}},
		{in: "00:00", want: Clock{}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "1:2:3:4", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseClock(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseClock(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseClock(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestWindowBounds(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 2*3600)
	day := time.Date(2024, 5, 1, 23, 59, 0, 0, loc)
	w := Window{Start: Clock{Hour: 19, Minute: 33}, End: Clock{Hour: 21, Minute: 35}}
	start, end := w.Bounds(day)
	if !start.Equal(time.Date(2024, 5, 1, 19, 33, 0, 0, loc)) || !end.Equal(time.Date(2024, 5, 1, 21, 35, 0, 0, loc)) {
		t.Fatalf("Bounds = %v, %v", start, end)
	}
	if w.String() != "19:33-21:35" {
		t.Fatalf("String = %q", w.String())
	}
	if !w.Start.Before(w.End) || w.End.Before(w.Start) {
		t.Fatalf("Before ordering broken")
	}
}

func TestRangeDraw(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	r := Range{Min: time.Second, Max: 2 * time.Second}
	for i := 0; i < 1000; i++ {
		d := r.Draw(rng)
		if d < r.Min || d > r.Max {
			t.Fatalf("Draw = %v outside %v..%v", d, r.Min, r.Max)
		}
	}
	if d := (Range{Min: time.Second}).Draw(rng); d != time.Second {
		t.Fatalf("degenerate range Draw = %v", d)
	}
}
