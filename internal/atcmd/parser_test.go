package atcmd

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"AT", Command{Form: Exec}},
		{"ATE0", Command{Name: "E", Form: Set, Args: []string{"0"}}},
		{"AT+CIPSTATUS", Command{Name: "CIPSTATUS", Form: Exec}},
		{"at+cipmux?", Command{Name: "CIPMUX", Form: Query}},
		{"AT+CIPSEND=?", Command{Name: "CIPSEND", Form: Test}},
		{`AT+CIPSTART=0,"TCP","10.0.0.1",80`, Command{Name: "CIPSTART", Form: Set, Args: []string{"0", "TCP", "10.0.0.1", "80"}}},
		{`AT+X="a,b",,"c\"d"`, Command{Name: "X", Form: Set, Args: []string{"a,b", "", `c"d`}}},
	}
	for _, c := range cases {
		got, err := Parse(c.line)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", c.line, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("Parse(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, line := range []string{"", "A", "HELLO", "ATX", `AT+X="open`, "AT+=1"} {
		if _, err := Parse(line); err == nil {
			t.Errorf("Parse(%q) should fail", line)
		} else if !errors.Is(err, ErrNotAT) && !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("Parse(%q) unexpected error %v", line, err)
		}
	}
}
