package pdfops

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePageRanges(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "  ", want: nil},
		{in: "3", want: []int{3}},
		{in: "1-3,5", want: []int{1, 2, 3, 5}},
		{in: "5, 1-2", want: []int{5, 1, 2}},
		{in: "2-4,3,1-2", want: []int{2, 3, 4, 1}},
		{in: "1,,2", want: []int{1, 2}},
		{in: "7-7", want: []int{7}},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "3-1", wantErr: true},
		{in: "a", wantErr: true},
		{in: "1-", wantErr: true},
		{in: "1-2-3", wantErr: true},
		{in: "1-99999999", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePageRanges(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("ParsePageRanges(%q): expected invalid argument, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePageRanges(%q): %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParsePageRanges(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
