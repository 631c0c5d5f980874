package vm

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// statement is one parsed assembly line: any labels defined on it plus the
// mnemonic and its raw operand strings.
type statement struct {
	labels   []string
	mnemonic string
	operands []string
	line     int
}

// parseSource splits assembly text into statements. Comments start with ';'
// or '//' and run to the end of the line; labels are 'name:' and may stand
// alone or prefix an instruction on the same line.
func parseSource(src string) ([]statement, error) {
	var stmts []statement
	var pending []string

	for num, raw := range strings.Split(src, "\n") {
		line := raw
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(strings.ReplaceAll(line, "\t", " "))
		if line == "" {
			continue
		}

		for {
			head, rest, found := strings.Cut(line, ":")
			if !found || strings.ContainsAny(head, " \t,[") {
				break
			}
			label := strings.TrimSpace(head)
			if label == "" {
				return nil, errors.Errorf("line %d: empty label", num+1)
			}
			pending = append(pending, label)
			line = strings.TrimSpace(rest)
		}
		if line == "" {
			continue
		}

		mnemonic, rest, _ := strings.Cut(line, " ")
		stmt := statement{
			labels:   pending,
			mnemonic: strings.ToLower(mnemonic),
			line:     num + 1,
		}
		pending = nil
		rest = strings.TrimSpace(rest)
		if rest != "" {
			for _, op := range strings.Split(rest, ",") {
				stmt.operands = append(stmt.operands, strings.TrimSpace(op))
			}
		}
		stmts = append(stmts, stmt)
	}

	if len(pending) > 0 {
		// Trailing labels attach to an empty statement so they can still be
		// referenced; they resolve to the address past the last instruction.
		stmts = append(stmts, statement{labels: pending})
	}
	return stmts, nil
}

var strToReg = func() map[string]byte {
	m := make(map[string]byte, numRegs)
	for i, name := range regNames {
		m[name] = byte(i)
	}
	return m
}()

func parseRegOperand(s string) (byte, bool) {
	r, ok := strToReg[strings.ToLower(s)]
	return r, ok
}

// parseMemOperand parses '[reg]', '[reg+disp]' and '[reg-disp]'.
func parseMemOperand(s string) (byte, int16, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, 0, errors.Errorf("malformed memory operand '%s'", s)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])

	sep := strings.IndexAny(inner, "+-")
	if sep < 0 {
		reg, ok := parseRegOperand(inner)
		if !ok {
			return 0, 0, errors.Errorf("unknown register '%s'", inner)
		}
		return reg, 0, nil
	}

	reg, ok := parseRegOperand(strings.TrimSpace(inner[:sep]))
	if !ok {
		return 0, 0, errors.Errorf("unknown register '%s'", inner[:sep])
	}
	disp, err := strconv.ParseInt(strings.ReplaceAll(inner[sep:], " ", ""), 0, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed displacement in '%s'", s)
	}
	return reg, int16(disp), nil
}

// parseImmOperand parses a decimal, hex or negative immediate, or resolves
// a label to its byte offset.
func parseImmOperand(s string, labels map[string]uint64) (uint64, error) {
	if addr, ok := labels[s]; ok {
		return addr, nil
	}
	if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		return u, nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return uint64(v), nil
	}
	return 0, errors.Errorf("malformed immediate or unknown label '%s'", s)
}
