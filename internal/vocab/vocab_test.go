package vocab

import (
	"reflect"
	"testing"
)

func TestSplitTranslations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"house", []string{"house"}},
		{"house, home", []string{"house", "home"}},
		{"to run (fast);  to  sprint / race", []string{"to run", "to sprint", "race"}},
		{"(informal) buddy, mate, buddy", []string{"buddy", "mate"}},
		{" , ; / ", []string{}},
		{"", []string{}},
	}
	for _, tc := range tests {
		got := SplitTranslations(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitTranslations(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
