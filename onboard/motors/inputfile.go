package motors

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	merrors "github.com/v-usatikov/microscope-controller-sub000/onboard/errors"
)

// INPUT_FILE_HEADER are the mandatory leading columns of a motor input file.
var INPUT_FILE_HEADER = []string{"Motor Name", "Bus", "Achse", "Mit Initiatoren(0 oder 1)", "Einheiten", "Umrechnungsfaktor"}

// MotorRecord is one row of a motor input file.
type MotorRecord struct {
	Name           string
	Address        Address
	WithInitiators bool
	DisplayUnits   string
	DisplPerContr  float64
	Parameters     map[string]float64
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader
}

func ReadInputFile(path string, comm Communicator) ([]MotorRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseInputFile(f, comm)
}

// ParseInputFile reads a semicolon separated motor table. Parameter columns are checked against comm.
func ParseInputFile(r io.Reader, comm Communicator) ([]MotorRecord, error) {
	reader := newCSVReader(r)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, merrors.ReadConfigError{Reason: "file is empty"}
	}
	if err != nil {
		return nil, merrors.ReadConfigError{Line: 1, Reason: err.Error()}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	if len(header) < len(INPUT_FILE_HEADER) {
		return nil, merrors.ReadConfigError{Line: 1, Reason: fmt.Sprintf("expected at least %d columns, got %d", len(INPUT_FILE_HEADER), len(header))}
	}
	for i, name := range INPUT_FILE_HEADER {
		if header[i] != name {
			return nil, merrors.ReadConfigError{Line: 1, Column: header[i], Reason: fmt.Sprintf("expected column %q", name)}
		}
	}

	allowed := make(map[string]bool)
	for _, name := range comm.ParameterNames() {
		allowed[name] = true
	}
	params := header[len(INPUT_FILE_HEADER):]
	for _, name := range params {
		if !allowed[name] {
			return nil, merrors.ReadConfigError{Line: 1, Column: name, Reason: fmt.Sprintf("unknown parameter, allowed are %v", comm.ParameterNames())}
		}
	}

	var records []MotorRecord
	seenAddr := make(map[Address]int)
	seenName := make(map[string]int)

	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, merrors.ReadConfigError{Line: line, Reason: err.Error()}
		}
		if blankRow(row) {
			continue
		}
		for len(row) < len(header) {
			row = append(row, "")
		}

		record, err := parseRecord(row, header, line, comm)
		if err != nil {
			return nil, err
		}
		if prev, dup := seenAddr[record.Address]; dup {
			return nil, merrors.ReadConfigError{Line: line, Reason: fmt.Sprintf("bus %d axis %d already defined on line %d", record.Address.Bus, record.Address.Axis, prev)}
		}
		if prev, dup := seenName[record.Name]; dup {
			return nil, merrors.ReadConfigError{Line: line, Column: INPUT_FILE_HEADER[0], Reason: fmt.Sprintf("name %q already used on line %d", record.Name, prev)}
		}
		seenAddr[record.Address] = line
		seenName[record.Name] = line
		records = append(records, record)
	}
	return records, nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseRecord(row, header []string, line int, comm Communicator) (record MotorRecord, err error) {
	cell := func(i int) string {
		return strings.TrimSpace(row[i])
	}
	number := func(i int, def float64) (float64, error) {
		if cell(i) == "" {
			return def, nil
		}
		v, err := strconv.ParseFloat(strings.Replace(cell(i), ",", ".", 1), 64)
		if err != nil {
			return 0, merrors.ReadConfigError{Line: line, Column: header[i], Reason: fmt.Sprintf("%q is not a number", cell(i))}
		}
		return v, nil
	}
	integer := func(i int) (int, error) {
		v, err := strconv.Atoi(cell(i))
		if err != nil {
			return 0, merrors.ReadConfigError{Line: line, Column: header[i], Reason: fmt.Sprintf("%q is not an integer", cell(i))}
		}
		return v, nil
	}

	if record.Address.Bus, err = integer(1); err != nil {
		return
	}
	if record.Address.Axis, err = integer(2); err != nil {
		return
	}
	if rangeErr := comm.CheckRawInputData(record.Address.Bus, record.Address.Axis); rangeErr != nil {
		return record, merrors.ReadConfigError{Line: line, Reason: rangeErr.Error()}
	}

	record.Name = cell(0)
	if record.Name == "" {
		record.Name = fmt.Sprintf("Motor %d.%d", record.Address.Bus, record.Address.Axis)
	}

	switch cell(3) {
	case "", "1":
		record.WithInitiators = true
	case "0":
		record.WithInitiators = false
	default:
		return record, merrors.ReadConfigError{Line: line, Column: header[3], Reason: fmt.Sprintf("%q must be 0 or 1", cell(3))}
	}

	record.DisplayUnits = cell(4)
	if record.DisplayUnits == "" {
		record.DisplayUnits = DEFAULT_UNITS
	}

	if record.DisplPerContr, err = number(5, 1); err != nil {
		return
	}
	if record.DisplPerContr == 0 {
		return record, merrors.ReadConfigError{Line: line, Column: header[5], Reason: "must not be zero"}
	}

	record.Parameters = make(map[string]float64)
	for _, name := range comm.ParameterNames() {
		if def, ok := comm.ParameterDefault(name); ok {
			record.Parameters[name] = def
		}
	}
	for i := len(INPUT_FILE_HEADER); i < len(header); i++ {
		if cell(i) == "" {
			continue
		}
		if record.Parameters[header[i]], err = number(i, 0); err != nil {
			return
		}
	}
	return record, nil
}

// WriteEmptyInputFile writes a template with one row per address for the user to fill out.
func WriteEmptyInputFile(w io.Writer, addrs []Address, parameterNames []string) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'

	header := append(append([]string{}, INPUT_FILE_HEADER...), parameterNames...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, addr := range addrs {
		row := make([]string, len(header))
		row[1] = strconv.Itoa(addr.Bus)
		row[2] = strconv.Itoa(addr.Axis)
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
