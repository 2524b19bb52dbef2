package atcmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotAT       = errors.New("not an AT command")
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Form is the syntactic variant of a command.
type Form int

const (
	Exec  Form = iota // AT+NAME
	Query             // AT+NAME?
	Test              // AT+NAME=?
	Set               // AT+NAME=a,b
)

type Command struct {
	Name string
	Form Form
	Args []string
}

// Parse accepts AT, ATE0/ATE1 and the AT+NAME family. Quoted arguments may
// contain commas; quotes are stripped.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || !strings.EqualFold(line[:2], "AT") {
		return Command{}, fmt.Errorf("%w: %q", ErrNotAT, line)
	}
	rest := line[2:]
	switch {
	case rest == "":
		return Command{Form: Exec}, nil
	case len(rest) == 2 && (rest[0] == 'E' || rest[0] == 'e'):
		return Command{Name: "E", Form: Set, Args: []string{rest[1:]}}, nil
	case rest[0] != '+':
		return Command{}, fmt.Errorf("%w: %q", ErrNotAT, line)
	}
	rest = rest[1:]

	name, params, hasEq := strings.Cut(rest, "=")
	cmd := Command{Name: strings.ToUpper(name)}
	switch {
	case !hasEq && strings.HasSuffix(name, "?"):
		cmd.Name = strings.ToUpper(strings.TrimSuffix(name, "?"))
		cmd.Form = Query
	case !hasEq:
		cmd.Form = Exec
	case params == "?":
		cmd.Form = Test
	default:
		cmd.Form = Set
		args, err := splitArgs(params)
		if err != nil {
			return Command{}, err
		}
		cmd.Args = args
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("%w: empty command name", ErrInvalidArgs)
	}
	return cmd, nil
}

func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, c := range s {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalidArgs)
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args, nil
}

func intArg(args []string, i, lo, hi int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrInvalidArgs, i)
	}
	v, err := strconv.Atoi(args[i])
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%w: argument %d %q not in [%d,%d]", ErrInvalidArgs, i, args[i], lo, hi)
	}
	return v, nil
}

func boolArg(args []string) (bool, error) {
	if len(args) != 1 {
		return false, fmt.Errorf("%w: want one argument", ErrInvalidArgs)
	}
	switch args[0] {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%w: %q is not 0 or 1", ErrInvalidArgs, args[0])
}
