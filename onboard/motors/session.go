package motors

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type sessionEntry struct {
	addr         Address
	normPerContr float64
	position     float64
	displNull    float64
	nullPosition *float64
}

// SoftLimitsPath is the companion file holding the soft limits of a session file.
func SoftLimitsPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_soft_limits" + ext
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func saveSession(path string, motors []*Motor) error {
	var entries []sessionEntry
	for _, m := range motors {
		config := m.Config()
		pos, err := m.comm.GetPosition(m.Bus, m.Axis)
		if err != nil {
			return err
		}
		entries = append(entries, sessionEntry{
			addr:         m.Address,
			normPerContr: config.NormPerContr,
			position:     pos,
			displNull:    config.DisplNull,
			nullPosition: Bound(config.NullPosition),
		})
	}

	if err := writeFile(path, func(w io.Writer) error { return writeSession(w, entries) }); err != nil {
		return err
	}

	limits := make(map[Address]SoftLimits, len(motors))
	order := make([]Address, len(motors))
	for i, m := range motors {
		order[i] = m.Address
		limits[m.Address] = m.limits()
	}
	return writeFile(SoftLimitsPath(path), func(w io.Writer) error { return writeSoftLimits(w, order, limits) })
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err = write(w); err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func writeSession(w io.Writer, entries []sessionEntry) error {
	lines := make([][]string, 5)
	for _, e := range entries {
		lines[0] = append(lines[0], e.addr.String())
		lines[1] = append(lines[1], formatFloat(e.normPerContr))
		lines[2] = append(lines[2], formatFloat(e.position))
		lines[3] = append(lines[3], formatFloat(e.displNull))
		null := ""
		if e.nullPosition != nil {
			null = formatFloat(*e.nullPosition)
		}
		lines[4] = append(lines[4], null)
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, strings.Join(line, ";")); err != nil {
			return err
		}
	}
	return nil
}

func parseAddress(s string) (addr Address, err error) {
	bus, axis, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return addr, fmt.Errorf("malformed motor address %q", s)
	}
	if addr.Bus, err = strconv.Atoi(strings.TrimSpace(bus)); err != nil {
		return
	}
	addr.Axis, err = strconv.Atoi(strings.TrimSpace(axis))
	return
}

func readSession(r io.Reader) ([]sessionEntry, error) {
	scanner := bufio.NewScanner(r)
	var lines [][]string
	for scanner.Scan() {
		lines = append(lines, strings.Split(strings.TrimRight(scanner.Text(), "\r"), ";"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 4 {
		return nil, fmt.Errorf("session file has %d lines, expected at least 4", len(lines))
	}

	var entries []sessionEntry
	if len(lines[0]) == 1 && strings.TrimSpace(lines[0][0]) == "" {
		return entries, nil
	}
	for i, field := range lines[0] {
		var e sessionEntry
		var err error
		if e.addr, err = parseAddress(field); err != nil {
			return nil, fmt.Errorf("session file line 1: %w", err)
		}
		values := make([]float64, 3)
		for j := range values {
			if i >= len(lines[j+1]) {
				return nil, fmt.Errorf("session file line %d has too few values", j+2)
			}
			if values[j], err = strconv.ParseFloat(strings.TrimSpace(lines[j+1][i]), 64); err != nil {
				return nil, fmt.Errorf("session file line %d: %w", j+2, err)
			}
		}
		e.normPerContr, e.position, e.displNull = values[0], values[1], values[2]

		if len(lines) > 4 && i < len(lines[4]) && strings.TrimSpace(lines[4][i]) != "" {
			null, err := strconv.ParseFloat(strings.TrimSpace(lines[4][i]), 64)
			if err != nil {
				return nil, fmt.Errorf("session file line 5: %w", err)
			}
			e.nullPosition = &null
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func writeSoftLimits(w io.Writer, order []Address, limits map[Address]SoftLimits) error {
	bound := func(v *float64) string {
		if v == nil {
			return ""
		}
		return formatFloat(*v)
	}
	for _, addr := range order {
		l := limits[addr]
		if _, err := fmt.Fprintf(w, "%d,%d,%s,%s\n", addr.Bus, addr.Axis, bound(l.Lower), bound(l.Upper)); err != nil {
			return err
		}
	}
	return nil
}

func readSoftLimits(r io.Reader) (map[Address]SoftLimits, error) {
	limits := make(map[Address]SoftLimits)
	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("soft limits line %d: expected 4 fields, got %d", n, len(fields))
		}
		addr, err := parseAddress(fields[0] + "," + fields[1])
		if err != nil {
			return nil, fmt.Errorf("soft limits line %d: %w", n, err)
		}
		var l SoftLimits
		for i, target := range []**float64{&l.Lower, &l.Upper} {
			s := strings.TrimSpace(fields[2+i])
			if s == "" {
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("soft limits line %d: %w", n, err)
			}
			*target = &v
		}
		limits[addr] = l
	}
	return limits, scanner.Err()
}

// restoreSession applies the saved state to the motors present in the file and returns the others.
func restoreSession(path string, motors []*Motor) (missing []*Motor, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	entries, err := readSession(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	limits := make(map[Address]SoftLimits)
	if lf, openErr := os.Open(SoftLimitsPath(path)); openErr == nil {
		limits, err = readSoftLimits(lf)
		lf.Close()
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(openErr, os.ErrNotExist) {
		return nil, openErr
	}

	saved := make(map[Address]sessionEntry, len(entries))
	for _, e := range entries {
		saved[e.addr] = e
	}

	for _, m := range motors {
		e, ok := saved[m.Address]
		if !ok {
			missing = append(missing, m)
			continue
		}
		config := m.Config()
		config.NormPerContr = e.normPerContr
		config.DisplNull = e.displNull
		if e.nullPosition != nil {
			config.NullPosition = *e.nullPosition
		}
		if err = m.SetConfig(config); err != nil {
			return nil, err
		}
		if err = m.comm.SetPosition(e.position, m.Bus, m.Axis); err != nil {
			return nil, err
		}
		if l, ok := limits[m.Address]; ok {
			m.lock.Lock()
			m.softLimits = l
			m.lock.Unlock()
		}
	}
	return missing, nil
}
