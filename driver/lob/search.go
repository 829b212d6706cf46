package lob

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// rolling hash base (64-bit FNV prime), arithmetic is modulo 2^64.
const hashBase uint64 = 1099511628211

func symbol(b []byte, i, unit int) uint64 {
	if unit == 1 {
		return uint64(b[i])
	}
	return uint64(b[i])<<8 | uint64(b[i+1])
}

/*
position searches pattern in target using a Karp-Rabin rolling hash over symbols of unit bytes
(1 for binary, 2 for UTF-16 character data).

  - start and the result are 1-based symbol positions
  - the result is -1 if the pattern is not found
  - a hash match is always verified byte by byte
*/
func position(pattern []byte, target io.Reader, start int64, unit int) (int64, error) {
	if start < 1 {
		return 0, fmt.Errorf("invalid start position %d - expected value >= 1", start)
	}
	m := len(pattern)
	if m%unit != 0 {
		return 0, fmt.Errorf("invalid pattern size %d - expected multiple of %d", m, unit)
	}
	if m == 0 {
		return start, nil
	}

	rd := bufio.NewReader(target)
	if _, err := io.CopyN(io.Discard, rd, (start-1)*int64(unit)); err != nil {
		if errors.Is(err, io.EOF) {
			return -1, nil
		}
		return 0, err
	}

	window := make([]byte, m)
	if _, err := io.ReadFull(rd, window); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return -1, nil
		}
		return 0, err
	}

	var hp, hw, pow uint64
	pow = 1
	for i := 0; i < m; i += unit {
		hp = hp*hashBase + symbol(pattern, i, unit)
		hw = hw*hashBase + symbol(window, i, unit)
		if i != 0 {
			pow *= hashBase
		}
	}

	in := make([]byte, unit)
	head := 0
	for pos := start; ; pos++ {
		if hw == hp && ringEqual(window, head, pattern) {
			return pos, nil
		}
		if _, err := io.ReadFull(rd, in); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return -1, nil
			}
			return 0, err
		}
		out := symbol(window, head, unit)
		hw = (hw-out*pow)*hashBase + symbol(in, 0, unit)
		copy(window[head:head+unit], in)
		head = (head + unit) % m
	}
}

func ringEqual(window []byte, head int, pattern []byte) bool {
	m := len(window)
	for i, b := range pattern {
		if window[(head+i)%m] != b {
			return false
		}
	}
	return true
}
