// Package report renders per-step population counts and delivers them to
// one or more sinks (stdout, a committed file, the run database).
package report

import (
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"sirsim/internal/domain"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatColumns Format = "columns"
	FormatLegacy  Format = "legacy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatColumns:
		return FormatColumns, nil
	case FormatLegacy:
		return FormatLegacy, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want csv, json, columns or legacy)", raw)
	}
}

// Header writes whatever precedes the first record. Only csv has one.
func (f Format) Header(w io.Writer) error {
	if f != FormatCSV {
		return nil
	}
	_, err := io.WriteString(w, "step,susceptible,infected,recovered\n")
	return err
}

func (f Format) Encode(w io.Writer, r domain.StepReport) error {
	var err error
	switch f {
	case FormatCSV:
		_, err = fmt.Fprintf(w, "%d,%d,%d,%d\n", r.Step, r.Susceptible, r.Infected, r.Recovered)
	case FormatJSON:
		var line []byte
		line, err = json.Marshal(r)
		if err == nil {
			_, err = w.Write(append(line, '\n'))
		}
	case FormatColumns:
		_, err = fmt.Fprintf(w, "%d %d %d %d\n", r.Step, r.Susceptible, r.Infected, r.Recovered)
	case FormatLegacy:
		_, err = fmt.Fprintf(w, "Iteração %d:\nSuscetíveis: %d, Infectados: %d, Recuperados: %d\n",
			r.Step, r.Susceptible, r.Infected, r.Recovered)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
	if err != nil {
		return fmt.Errorf("encode step %d as %s: %w", r.Step, f, err)
	}
	return nil
}
