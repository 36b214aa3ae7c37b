// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// pageProts reads the current protection of each page in [start, start+length)
// from /proc/self/maps. Every page must be mapped.
func pageProts(start, length, pageSize uintptr) ([]int, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	prots := make([]int, length/pageSize)
	seen := make([]bool, len(prots))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lo, hi, perms, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		for i := range prots {
			page := start + uintptr(i)*pageSize
			if page >= lo && page < hi {
				prots[i], seen[i] = perms, true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, ok := range seen {
		if !ok {
			return nil, errors.Errorf("page %#x not mapped", start+uintptr(i)*pageSize)
		}
	}
	return prots, nil
}

// parseMapsLine splits "lo-hi rwxp ..." into the range and its protection.
func parseMapsLine(line string) (lo, hi uintptr, prot int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields[1]) < 3 {
		return 0, 0, 0, false
	}
	from, to, found := strings.Cut(fields[0], "-")
	if !found {
		return 0, 0, 0, false
	}
	a, err := strconv.ParseUint(from, 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	b, err := strconv.ParseUint(to, 16, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	perms := fields[1]
	if perms[0] == 'r' {
		prot |= unix.PROT_READ
	}
	if perms[1] == 'w' {
		prot |= unix.PROT_WRITE
	}
	if perms[2] == 'x' {
		prot |= unix.PROT_EXEC
	}
	return uintptr(a), uintptr(b), prot, true
}
