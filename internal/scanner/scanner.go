// Package scanner streams the children of an export document's root element
// one at a time without building the document tree. A root-level Correlation
// is not yielded itself; the Record elements it groups are yielded in its place.
package scanner

import (
	"bufio"
	"encoding/xml"
	"errors"
	"io"

	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
)

const (
	readBufferSize = 1 << 20

	correlationTag = "Correlation"
	correlatedTag  = "Record"
)

// Child is a direct child element of a scanned element. Its own descendants
// are not retained.
type Child struct {
	Tag   string
	Attrs map[string]string
}

// Attr returns the attribute value and whether it was present.
func (c *Child) Attr(name string) (string, bool) {
	v, ok := c.Attrs[name]
	return v, ok
}

// Element is one child of the document root, or one Record grouped by a
// root-level Correlation, with its attributes and its direct children.
//
// The Element returned by Scanner.Element, including its map and Children,
// is overwritten by the next call to Next. Copy whatever must outlive the step.
type Element struct {
	Tag      string
	Attrs    map[string]string
	Children []Child
	// Offset is the input byte offset just past the element's end tag.
	Offset int64
}

// Attr returns the attribute value and whether it was present.
func (e *Element) Attr(name string) (string, bool) {
	v, ok := e.Attrs[name]
	return v, ok
}

// Scanner reads the document once, front to back. It is not restartable.
type Scanner struct {
	dec        *xml.Decoder
	el         Element
	depth      int
	sawRoot    bool
	rootClosed bool
	// inCorrelation is set between a root-level Correlation's start and end tags.
	inCorrelation bool
	count         int64
	err           error
	done          bool
}

// New returns a Scanner over r.
func New(r io.Reader) *Scanner {
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReaderSize(r, readBufferSize)
	}
	dec := xml.NewDecoder(r)
	dec.Strict = true

	return &Scanner{
		dec: dec,
		el:  Element{Attrs: make(map[string]string)},
	}
}

// Next advances to the next element. It returns false at the end of the
// document or on error; Err distinguishes the two.
func (s *Scanner) Next() bool {
	if s.done || s.err != nil {
		return false
	}

	for {
		tok, err := s.dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				if !s.sawRoot {
					s.err = apperrors.Derive(apperrors.ErrNoRootElement, nil)
				}
				return false
			}
			s.fail(err)
			return false
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if s.rootClosed {
				s.fail(errors.New("content after document element"))
				return false
			}
			if s.depth == 0 {
				s.depth = 1
				s.sawRoot = true
				continue
			}
			if s.inCorrelation && t.Name.Local != correlatedTag {
				if err := s.dec.Skip(); err != nil {
					s.fail(err)
					return false
				}
				continue
			}
			if !s.inCorrelation && t.Name.Local == correlationTag {
				s.inCorrelation = true
				continue
			}
			if err := s.read(t); err != nil {
				s.fail(err)
				return false
			}
			s.count++
			return true
		case xml.EndElement:
			// Only the root's and a Correlation's end tags reach here; read
			// consumes the rest.
			if s.inCorrelation {
				s.inCorrelation = false
				continue
			}
			s.depth = 0
			s.rootClosed = true
		}
	}
}

// read fills s.el from start up to and including its matching end tag.
func (s *Scanner) read(start xml.StartElement) error {
	s.el.Tag = start.Name.Local
	clear(s.el.Attrs)
	for _, a := range start.Attr {
		s.el.Attrs[a.Name.Local] = a.Value
	}
	s.el.Children = s.el.Children[:0]

	for {
		tok, err := s.dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			s.appendChild(t)
			if err := s.dec.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			s.el.Offset = s.dec.InputOffset()
			return nil
		}
	}
}

func (s *Scanner) appendChild(start xml.StartElement) {
	n := len(s.el.Children)
	if n < cap(s.el.Children) {
		s.el.Children = s.el.Children[:n+1]
		clear(s.el.Children[n].Attrs)
	} else {
		s.el.Children = append(s.el.Children, Child{Attrs: make(map[string]string, len(start.Attr))})
	}

	child := &s.el.Children[n]
	child.Tag = start.Name.Local
	if child.Attrs == nil {
		child.Attrs = make(map[string]string, len(start.Attr))
	}
	for _, a := range start.Attr {
		child.Attrs[a.Name.Local] = a.Value
	}
}

func (s *Scanner) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	s.err = apperrors.NewParseError(err, s.dec.InputOffset())
}

// Element returns the current element. See Element for its lifetime.
func (s *Scanner) Element() *Element {
	return &s.el
}

// Err returns the first error encountered, or nil at a clean end of document.
func (s *Scanner) Err() error {
	return s.err
}

// Count is the number of elements yielded so far.
func (s *Scanner) Count() int64 {
	return s.count
}
