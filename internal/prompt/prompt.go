// Package prompt asks blocking yes/no questions on a terminal.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrNoInput is returned when input ends before an answer is given.
var ErrNoInput = errors.New("no answer: end of input")

type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// YesNo prints text and reads a line until it is exactly "y" or "n".
// Anything else, including surrounding whitespace or upper case, asks
// again.
func (p *Prompter) YesNo(text string) (bool, error) {
	for {
		fmt.Fprint(p.out, text)

		resp, err := p.in.ReadString('\n')
		switch resp {
		case "y\n":
			return true, nil
		case "n\n":
			return false, nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, ErrNoInput
			}
			return false, fmt.Errorf("failed to read answer: %w", err)
		}
	}
}
