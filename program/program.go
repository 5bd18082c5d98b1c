// Package program holds the parsed linked list of Blocks read from a
// G-code file and the cursor used to step through them during
// execution.
package program

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/block"
)

// Program is a parsed G-code file: the ordered list of blocks plus a
// cursor for stepping through them one at a time.
type Program struct {
	filename string
	first    *block.Block
	last     *block.Block
	current  *block.Block
	n        int
	warnings int
	done     bool
}

// Parse reads filename line by line, parsing each into a Block
// chained onto the previous one. Parsing is all-or-nothing: if any
// line produces a fatal error (anything but an unknown-word warning),
// Parse stops and returns that error wrapped with the line number,
// and the returned *Program is nil.
func Parse(filename string, lim block.Limits) (*Program, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("program: opening %s: %w", filename, err)
	}
	defer f.Close()

	p := &Program{filename: filename}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		b, err := block.Parse(line, p.last, lim)
		if err != nil {
			return nil, fmt.Errorf("program: %s line %d: %w", filename, lineNo, err)
		}
		if p.first == nil {
			p.first = b
		}
		p.last = b
		p.n++
		p.warnings += b.Warnings()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("program: reading %s: %w", filename, err)
	}
	glog.Infof("program: parsed %d blocks from %s (%d warnings)", p.n, filename, p.warnings)
	p.Reset()
	return p, nil
}

// Filename returns the source path this program was parsed from.
func (p *Program) Filename() string { return p.filename }

// First returns the first block, or nil for an empty program.
func (p *Program) First() *block.Block { return p.first }

// Last returns the last block, or nil for an empty program.
func (p *Program) Last() *block.Block { return p.last }

// Current returns the block the cursor currently points at, or nil
// before the first Next() call or after the list is exhausted.
func (p *Program) Current() *block.Block { return p.current }

// Len returns the number of blocks parsed.
func (p *Program) Len() int { return p.n }

// Warnings returns the total count of non-fatal parse warnings
// (unknown words) accumulated across every block.
func (p *Program) Warnings() int { return p.warnings }

// Next advances the cursor to the next block (the first block, on
// the initial call after Reset) and returns it. It returns nil once
// the list is exhausted.
func (p *Program) Next() *block.Block {
	if p.done {
		return nil
	}
	if p.current == nil {
		p.current = p.first
	} else {
		p.current = p.current.Next()
	}
	p.done = p.current == nil
	return p.current
}

// Reset rewinds the cursor so the next call to Next returns the
// first block.
func (p *Program) Reset() {
	p.current = nil
	p.done = false
}

// Print writes every block's one-line representation to w, in
// program order.
func (p *Program) Print(w io.Writer) error {
	for b := p.first; b != nil; b = b.Next() {
		if err := b.Print(w); err != nil {
			return err
		}
	}
	return nil
}
